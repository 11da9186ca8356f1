package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for input that is not a well-formed envelope.
var ErrMalformed = errors.New("malformed message")

// ErrUnknownMessage matches every UnknownVariantError.
var ErrUnknownMessage = errors.New("unknown message")

// UnknownVariantError reports a well-formed envelope whose category or variant
// is not part of the protocol.
type UnknownVariantError struct {
	Category string
	Variant  string
}

func (e *UnknownVariantError) Error() string {
	if e.Variant == "" {
		return fmt.Sprintf("unknown message category %q", e.Category)
	}
	return fmt.Sprintf("unknown message variant %s.%s", e.Category, e.Variant)
}

func (e *UnknownVariantError) Is(target error) bool {
	return target == ErrUnknownMessage
}

type decoder func(body json.RawMessage) (Message, error)

var registry = map[Category]map[string]decoder{
	ClientRequestCategory: {
		"ListAllPods":      unit(ListAllPods{}),
		"ListPodStructure": body[ListPodStructure](),
	},
	ClientRequestAsyncCategory: {
		"RequestImage": body[RequestImage](),
	},
	ClientResponseCategory: {
		"Pods":           body[Pods](),
		"NewPod":         body[NewPod](),
		"UnknownPod":     body[UnknownPod](),
		"PodGone":        body[PodGone](),
		"PodUpdateName":  body[PodUpdateName](),
		"PodUpdatePaths": body[PodUpdatePaths](),
		"DeliverImage":   body[DeliverImage](),
	},
	PodRequestCategory: {
		"RegisterSelf": body[RegisterSelf](),
		"UpdateTitle":  body[UpdateTitle](),
		"UpdatePaths":  body[UpdatePaths](),
		"DeliverImage": body[PodDeliverImage](),
	},
	PodResponseCategory: {
		"Registered":        body[Registered](),
		"AlreadyRegistered": body[AlreadyRegistered](),
		"RequestImage":      body[PodRequestImage](),
	},
}

var null = []byte("null")

func unit(m Message) decoder {
	return func(b json.RawMessage) (Message, error) {
		if b != nil && !bytes.Equal(bytes.TrimSpace(b), null) {
			return nil, fmt.Errorf("%s carries no payload", m.Variant())
		}
		return m, nil
	}
}

func body[T Message]() decoder {
	return func(b json.RawMessage) (Message, error) {
		var m T
		if b == nil {
			return nil, fmt.Errorf("%s requires a payload", m.Variant())
		}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Encode wraps a message in its envelope.
func Encode(m Message) ([]byte, error) {
	var payload any = map[string]Message{m.Variant(): m}
	if _, ok := m.(unitVariant); ok {
		payload = m.Variant()
	}
	return json.Marshal(map[Category]any{m.Category(): payload})
}

// Decode parses one envelope. Unknown categories and variants yield an
// *UnknownVariantError; anything else that cannot be parsed wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env) != 1 {
		return nil, fmt.Errorf("%w: envelope has %d keys", ErrMalformed, len(env))
	}

	for key, raw := range env {
		variants, ok := registry[Category(key)]
		if !ok {
			return nil, &UnknownVariantError{Category: key}
		}
		name, payload, err := splitVariant(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		dec, ok := variants[name]
		if !ok {
			return nil, &UnknownVariantError{Category: key, Variant: name}
		}
		msg, err := dec(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformed, key, name, err)
		}
		return msg, nil
	}
	return nil, ErrMalformed
}

// splitVariant separates "Name" or {"Name": payload} into its parts.
func splitVariant(raw json.RawMessage) (string, json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return "", nil, errors.New("empty body")
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return "", nil, err
		}
		return name, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("variant object has %d keys", len(obj))
	}
	for name, payload := range obj {
		return name, payload, nil
	}
	return "", nil, errors.New("empty variant object")
}
