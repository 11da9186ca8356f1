// Package protocol defines the messages exchanged between galleries, pods and the relay.
//
// Every message travels inside an envelope keyed by its category. The body is
// the variant name for unit variants ("ListAllPods") or an object holding a
// single variant key for everything else:
//
//	{"ClientRequest":"ListAllPods"}
//	{"ClientRequest":{"ListPodStructure":2}}
//	{"PodResponse":{"Registered":{"global_id":42}}}
package protocol

import (
	"encoding/json"
	"time"
)

// PodID identifies a pod on the relay. The relay treats it as an unsigned 64-bit number.
type PodID uint64

// Category is the envelope key of a message.
type Category string

const (
	ClientRequestCategory      Category = "ClientRequest"
	ClientRequestAsyncCategory Category = "ClientRequestAsync"
	ClientResponseCategory     Category = "ClientResponse"
	PodRequestCategory         Category = "PodRequest"
	PodResponseCategory        Category = "PodResponse"
)

// Message is implemented by every variant of the closed message set.
type Message interface {
	Category() Category
	Variant() string
}

// unitVariant marks variants that are encoded as a bare string.
type unitVariant interface {
	unitVariant()
}

// PodDescription is one entry of a Pods snapshot.
type PodDescription struct {
	ID           PodID     `json:"id"`
	Name         string    `json:"name"`
	Paths        []string  `json:"paths"`
	LastModified time.Time `json:"last_modified"`
}

// Gallery -> relay

// ListAllPods asks for a full Pods snapshot.
type ListAllPods struct{}

func (ListAllPods) Category() Category { return ClientRequestCategory }
func (ListAllPods) Variant() string    { return "ListAllPods" }
func (ListAllPods) unitVariant()       {}

// ListPodStructure is a diagnostic probe for one pod.
type ListPodStructure struct {
	ID PodID
}

func (ListPodStructure) Category() Category { return ClientRequestCategory }
func (ListPodStructure) Variant() string    { return "ListPodStructure" }

func (m ListPodStructure) MarshalJSON() ([]byte, error) { return json.Marshal(m.ID) }
func (m *ListPodStructure) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &m.ID) }

// RequestImage asks the relay to fetch one picture of a gallery.
type RequestImage struct {
	GalleryID PodID  `json:"gallery_id"`
	Path      string `json:"path"`
}

func (RequestImage) Category() Category { return ClientRequestAsyncCategory }
func (RequestImage) Variant() string    { return "RequestImage" }

// Relay -> gallery

// Pods is the authoritative snapshot of every known pod.
type Pods struct {
	List []PodDescription
}

func (Pods) Category() Category { return ClientResponseCategory }
func (Pods) Variant() string    { return "Pods" }

func (m Pods) MarshalJSON() ([]byte, error) {
	if m.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.List)
}

func (m *Pods) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &m.List) }

// NewPod announces a pod that registered after the last snapshot.
type NewPod struct {
	ID           PodID      `json:"id"`
	Name         string     `json:"name"`
	Paths        []string   `json:"paths,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

func (NewPod) Category() Category { return ClientResponseCategory }
func (NewPod) Variant() string    { return "NewPod" }

// UnknownPod tells the client that the relay has no memory of its session.
type UnknownPod struct {
	ID PodID
}

func (UnknownPod) Category() Category { return ClientResponseCategory }
func (UnknownPod) Variant() string    { return "UnknownPod" }

func (m UnknownPod) MarshalJSON() ([]byte, error) { return json.Marshal(m.ID) }
func (m *UnknownPod) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &m.ID) }

// PodGone reports that a pod disconnected.
type PodGone struct {
	ID PodID
}

func (PodGone) Category() Category { return ClientResponseCategory }
func (PodGone) Variant() string    { return "PodGone" }

func (m PodGone) MarshalJSON() ([]byte, error) { return json.Marshal(m.ID) }
func (m *PodGone) UnmarshalJSON(b []byte) error { return json.Unmarshal(b, &m.ID) }

type PodUpdateName struct {
	ID   PodID  `json:"id"`
	Name string `json:"name"`
}

func (PodUpdateName) Category() Category { return ClientResponseCategory }
func (PodUpdateName) Variant() string    { return "PodUpdateName" }

// PodUpdatePaths replaces the path listing of a pod. ReplaceImages means
// pictures cached under the old listing must be discarded.
type PodUpdatePaths struct {
	ID            PodID     `json:"id"`
	Paths         []string  `json:"paths"`
	ReplaceImages bool      `json:"replace_images"`
	LastModified  time.Time `json:"last_modified"`
}

func (PodUpdatePaths) Category() Category { return ClientResponseCategory }
func (PodUpdatePaths) Variant() string    { return "PodUpdatePaths" }

// DeliverImage carries a picture requested with RequestImage.
type DeliverImage struct {
	GalleryID PodID  `json:"gallery_id"`
	Path      string `json:"path"`
	Blob      string `json:"blob"`
}

func (DeliverImage) Category() Category { return ClientResponseCategory }
func (DeliverImage) Variant() string    { return "DeliverImage" }

// Pod -> relay

// RegisterSelf registers a pod. ProposedID is nil when the pod has no id yet.
type RegisterSelf struct {
	ProposedID *PodID `json:"proposed_id"`
	Name       string `json:"name"`
}

func (RegisterSelf) Category() Category { return PodRequestCategory }
func (RegisterSelf) Variant() string    { return "RegisterSelf" }

type UpdateTitle struct {
	Name string `json:"name"`
}

func (UpdateTitle) Category() Category { return PodRequestCategory }
func (UpdateTitle) Variant() string    { return "UpdateTitle" }

type UpdatePaths struct {
	Paths         []string `json:"paths"`
	ReplaceImages bool     `json:"replace_images"`
}

func (UpdatePaths) Category() Category { return PodRequestCategory }
func (UpdatePaths) Variant() string    { return "UpdatePaths" }

// PodDeliverImage answers a PodRequestImage.
type PodDeliverImage struct {
	ClientID PodID  `json:"client_id"`
	Path     string `json:"path"`
	Blob     string `json:"blob"`
}

func (PodDeliverImage) Category() Category { return PodRequestCategory }
func (PodDeliverImage) Variant() string    { return "DeliverImage" }

// Relay -> pod

type Registered struct {
	GlobalID PodID `json:"global_id"`
}

func (Registered) Category() Category { return PodResponseCategory }
func (Registered) Variant() string    { return "Registered" }

type AlreadyRegistered struct {
	GlobalID PodID `json:"global_id"`
}

func (AlreadyRegistered) Category() Category { return PodResponseCategory }
func (AlreadyRegistered) Variant() string    { return "AlreadyRegistered" }

// PodRequestImage asks the pod for one of its shared files on behalf of a gallery client.
type PodRequestImage struct {
	ClientID PodID  `json:"client_id"`
	Path     string `json:"path"`
}

func (PodRequestImage) Category() Category { return PodResponseCategory }
func (PodRequestImage) Variant() string    { return "RequestImage" }

// Kind returns "Category.Variant" for logs and metrics.
func Kind(m Message) string {
	return string(m.Category()) + "." + m.Variant()
}
