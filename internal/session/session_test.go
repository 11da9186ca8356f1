package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/podgallery/podgallery/pkg/protocol"
)

// inline runs posted functions immediately.
type inline struct{}

func (inline) Post(fn func()) bool {
	fn()
	return true
}

type recordingHandler struct {
	messages  []protocol.Message
	reconnect []bool
}

func (h *recordingHandler) HandleMessage(m protocol.Message) { h.messages = append(h.messages, m) }
func (h *recordingHandler) Reconnected(online bool)          { h.reconnect = append(h.reconnect, online) }

func TestDispatcherRoutesByCategory(t *testing.T) {
	gallery := &recordingHandler{}
	pod := &recordingHandler{}
	d := NewDispatcher(inline{}, gallery, pod)

	d.OnMessage([]byte(`{"ClientResponse":{"PodGone":3}}`))
	d.OnMessage([]byte(`{"PodResponse":{"Registered":{"global_id":9}}}`))

	if len(gallery.messages) != 1 || gallery.messages[0] != (protocol.PodGone{ID: 3}) {
		t.Errorf("gallery got %#v", gallery.messages)
	}
	if len(pod.messages) != 1 || pod.messages[0] != (protocol.Registered{GlobalID: 9}) {
		t.Errorf("pod got %#v", pod.messages)
	}
}

func TestDispatcherSurvivesUnknownMessages(t *testing.T) {
	gallery := &recordingHandler{}
	d := NewDispatcher(inline{}, gallery, nil)

	d.OnMessage([]byte(`garbage`))
	d.OnMessage([]byte(`{"ClientResponse":{"Mystery":1}}`))
	d.OnMessage([]byte(`{"PodResponse":{"Registered":{"global_id":1}}}`)) // pod role not running
	d.OnMessage([]byte(`{"ClientRequest":"ListAllPods"}`))                // requests are never inbound
	d.OnMessage([]byte(`{"ClientResponse":{"UnknownPod":1}}`))

	if len(gallery.messages) != 1 {
		t.Fatalf("expected dispatch to continue after bad input, got %d messages", len(gallery.messages))
	}
}

func TestDispatcherReconnectOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) *orderHandler {
		return &orderHandler{fn: func(online bool) {
			mu.Lock()
			defer mu.Unlock()
			if online {
				order = append(order, name+" up")
			} else {
				order = append(order, name+" down")
			}
		}}
	}
	d := NewDispatcher(inline{}, record("gallery"), record("pod"))
	d.OnOpen()
	d.OnClose()

	want := []string{"gallery up", "pod up", "gallery down", "pod down"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

type orderHandler struct {
	fn func(bool)
}

func (h *orderHandler) HandleMessage(protocol.Message) {}
func (h *orderHandler) Reconnected(online bool)        { h.fn(online) }

func TestLoopRunsInPostOrder(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	if err := loop.Do(ctx, func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, out of order", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d functions, want 100", len(got))
	}
}

func TestLoopPostFromInsideLoop(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoopRecoversFromPanics(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Post(func() { panic("boom") })
	ran := false
	if err := loop.Do(ctx, func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("loop stopped after a panic")
	}
}

func TestLoopRejectsAfterStop(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if loop.Post(func() {}) {
		t.Error("Post succeeded on a stopped loop")
	}
}

type failingSender struct{ err error }

func (s failingSender) Send(protocol.Message) error { return s.err }

func TestContextSendReturnsError(t *testing.T) {
	c := &Context{Sender: failingSender{err: context.DeadlineExceeded}}
	if err := c.Send(protocol.ListAllPods{}); err != context.DeadlineExceeded {
		t.Errorf("Send = %v", err)
	}
	empty := &Context{}
	if err := empty.Send(protocol.ListAllPods{}); err == nil {
		t.Error("expected error without sender")
	}
}
