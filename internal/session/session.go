// Package session couples the gallery and pod state machines to the relay
// connection: a shared context object, the serial event loop and the
// envelope dispatcher.
package session

import (
	"errors"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/pkg/protocol"
)

// Sender delivers a message to the relay.
type Sender interface {
	Send(m protocol.Message) error
}

// Context is handed to both state machines at construction. It replaces
// process-wide globals: whoever owns the connection decides what Sender and
// Poster are.
type Context struct {
	Sender Sender
	Poster Poster
}

// Send forwards m and logs a failure. Callers that can surface the error use the return value.
func (c *Context) Send(m protocol.Message) error {
	if c.Sender == nil {
		return errors.New("no sender configured")
	}
	if err := c.Sender.Send(m); err != nil {
		logging.Warn("send failed", logging.String("kind", protocol.Kind(m)), logging.Err(err))
		return err
	}
	return nil
}

// Post schedules fn on the event loop, or runs it inline when no poster is configured.
func (c *Context) Post(fn func()) bool {
	if c.Poster == nil {
		fn()
		return true
	}
	return c.Poster.Post(fn)
}

// Handler is the surface a state machine exposes to the dispatcher.
type Handler interface {
	// HandleMessage receives one decoded message of the handler's category.
	HandleMessage(m protocol.Message)
	// Reconnected reports that the relay connection went up (true) or down (false).
	Reconnected(online bool)
}

// Dispatcher routes transport events to the gallery and the pod. Every call
// is forwarded through the poster so handlers only run on the event loop.
type Dispatcher struct {
	poster  Poster
	gallery Handler
	pod     Handler
}

// NewDispatcher creates a dispatcher. gallery or pod may be nil when that role is not running.
func NewDispatcher(poster Poster, gallery, pod Handler) *Dispatcher {
	return &Dispatcher{poster: poster, gallery: gallery, pod: pod}
}

func (d *Dispatcher) OnOpen() {
	d.poster.Post(func() {
		d.each(func(h Handler) { h.Reconnected(true) })
	})
}

func (d *Dispatcher) OnClose() {
	d.poster.Post(func() {
		d.each(func(h Handler) { h.Reconnected(false) })
	})
}

// OnMessage decodes data on the caller's goroutine and routes the result on the loop.
// Undecodable and unroutable messages are reported and dropped.
func (d *Dispatcher) OnMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordUnknownMessage()
		logging.Warn("unimplemented message", logging.Err(err), logging.String("data", truncate(data, 256)))
		return
	}
	metrics.RecordMessage("in", protocol.Kind(msg))

	var target Handler
	switch msg.Category() {
	case protocol.ClientResponseCategory:
		target = d.gallery
	case protocol.PodResponseCategory:
		target = d.pod
	}
	if target == nil {
		metrics.RecordUnknownMessage()
		logging.Warn("no handler for message", logging.String("kind", protocol.Kind(msg)))
		return
	}

	d.poster.Post(func() { target.HandleMessage(msg) })
}

func (d *Dispatcher) each(fn func(Handler)) {
	if d.gallery != nil {
		fn(d.gallery)
	}
	if d.pod != nil {
		fn(d.pod)
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
