package gallery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/podgallery/podgallery/internal/session"
	"github.com/podgallery/podgallery/internal/thumbnail"
	"github.com/podgallery/podgallery/pkg/protocol"
)

type recordingSender struct {
	sent []protocol.Message
}

func (s *recordingSender) Send(m protocol.Message) error {
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) requests() []protocol.RequestImage {
	var out []protocol.RequestImage
	for _, m := range s.sent {
		if r, ok := m.(protocol.RequestImage); ok {
			out = append(out, r)
		}
	}
	return out
}

type recordingView struct {
	lists      [][]PodSummary
	selections []Selection
}

func (v *recordingView) ShowList(pods []PodSummary) { v.lists = append(v.lists, pods) }
func (v *recordingView) ShowSelection(s Selection)  { v.selections = append(v.selections, s) }

func (v *recordingView) lastSelection(t *testing.T) Selection {
	t.Helper()
	if len(v.selections) == 0 {
		t.Fatal("view was never repainted")
	}
	return v.selections[len(v.selections)-1]
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestGallery(opts Options) (*Gallery, *recordingSender, *recordingView) {
	sender := &recordingSender{}
	view := &recordingView{}
	opts.View = view
	return New(&session.Context{Sender: sender}, opts), sender, view
}

func pod(id protocol.PodID, name string, paths ...string) protocol.PodDescription {
	return protocol.PodDescription{ID: id, Name: name, Paths: paths}
}

func TestReconnectRequestsSnapshot(t *testing.T) {
	g, sender, _ := newTestGallery(Options{})
	g.Reconnected(true)
	g.HandleMessage(protocol.UnknownPod{ID: 4})

	if len(sender.sent) != 2 {
		t.Fatalf("sent %v", sender.sent)
	}
	for _, m := range sender.sent {
		if m != (protocol.ListAllPods{}) {
			t.Errorf("sent %#v, want ListAllPods", m)
		}
	}
}

func TestProbeOnConnect(t *testing.T) {
	id := protocol.PodID(5)
	g, sender, _ := newTestGallery(Options{ProbeOnConnect: &id})
	g.Reconnected(true)
	g.Reconnected(false)
	g.Reconnected(true)

	want := []protocol.Message{
		protocol.ListAllPods{}, protocol.ListPodStructure{ID: 5},
		protocol.ListAllPods{}, protocol.ListPodStructure{ID: 5},
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("sent %v", sender.sent)
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Errorf("sent[%d] = %#v, want %#v", i, sender.sent[i], want[i])
		}
	}
}

func TestSnapshotReplacesKnownPods(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.NewPod{ID: 9, Name: "early"})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{
		pod(1, "A", "x.jpg"),
		pod(2, "B"),
		pod(1, "A2", "y.jpg"),
	}})

	pods := g.Pods()
	if len(pods) != 2 {
		t.Fatalf("got %d pods: %+v", len(pods), pods)
	}
	p, ok := g.Pod(1)
	if !ok || p.Name != "A2" || len(p.Paths) != 1 || p.Paths[0] != "y.jpg" {
		t.Errorf("pod 1 = %+v, want the last listed entry", p)
	}
	if _, ok := g.Pod(9); ok {
		t.Error("pod missing from the snapshot is still known")
	}
	for _, id := range []protocol.PodID{1, 2} {
		c, ok := g.Cache(id)
		if !ok || c.Len() != 0 {
			t.Errorf("pod %d cache = %v, %v; want empty", id, c, ok)
		}
	}
}

func TestNewPodIsUpsert(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.NewPod{ID: 3, Name: "first"})
	g.HandleMessage(protocol.NewPod{ID: 3, Name: "second", Paths: []string{"a.jpg"}})

	pods := g.Pods()
	if len(pods) != 1 || pods[0].Name != "second" || len(pods[0].Paths) != 1 {
		t.Fatalf("pods = %+v", pods)
	}

	// Snapshot carrying the same pod does not duplicate it.
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(3, "second", "a.jpg")}})
	g.HandleMessage(protocol.NewPod{ID: 3, Name: "second", Paths: []string{"a.jpg"}})
	if pods := g.Pods(); len(pods) != 1 {
		t.Fatalf("pods = %+v", pods)
	}
}

func TestNewPodWithoutPaths(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	g.HandleMessage(protocol.NewPod{ID: 5, Name: "N", LastModified: &modified})

	p, ok := g.Pod(5)
	if !ok || len(p.Paths) != 0 || !p.LastModified.Equal(modified) {
		t.Errorf("pod = %+v", p)
	}
	if c, ok := g.Cache(5); !ok || c.Len() != 0 {
		t.Error("new pod should start with an empty cache")
	}
}

func TestReplaceImagesInvalidatesCache(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg", "y.jpg")}})
	g.Select(1)
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:old"})

	g.ClearSelection()
	g.HandleMessage(protocol.PodUpdatePaths{ID: 1, Paths: []string{"x.jpg"}, ReplaceImages: true})

	c, _ := g.Cache(1)
	if c.Len() != 0 {
		t.Fatalf("cache still has %d entries after replace", c.Len())
	}
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "y.jpg", Blob: "data:late"})
	if _, ok := g.Picture(1, "y.jpg"); ok {
		t.Error("late delivery for an old path created an entry")
	}
}

func TestUpdatePathsWithoutReplaceKeepsCache(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg")}})
	g.Select(1)
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:x"})

	modified := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	g.HandleMessage(protocol.PodUpdatePaths{ID: 1, Paths: []string{"x.jpg", "z.jpg"}, LastModified: modified})

	p, _ := g.Pod(1)
	if len(p.Paths) != 2 || !p.LastModified.Equal(modified) {
		t.Errorf("pod = %+v", p)
	}
	if pic, ok := g.Picture(1, "x.jpg"); !ok || pic.State != Ready || pic.Blob != "data:x" {
		t.Errorf("ready picture was lost: %+v", pic)
	}
}

func TestUpdatesForUnknownPodAreIgnored(t *testing.T) {
	g, _, view := newTestGallery(Options{})
	g.HandleMessage(protocol.PodUpdateName{ID: 42, Name: "ghost"})
	g.HandleMessage(protocol.PodUpdatePaths{ID: 42, Paths: []string{"a.jpg"}, ReplaceImages: true})
	g.HandleMessage(protocol.PodGone{ID: 42})

	if len(g.Pods()) != 0 {
		t.Error("unknown pod was created")
	}
	if _, ok := g.Cache(42); ok {
		t.Error("cache created for unknown pod")
	}
	if len(view.lists) != 0 || len(view.selections) != 0 {
		t.Error("view repainted for an unknown pod")
	}
}

func TestPodUpdateName(t *testing.T) {
	g, _, view := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A")}})
	g.HandleMessage(protocol.PodUpdateName{ID: 1, Name: "Holiday"})

	if p, _ := g.Pod(1); p.Name != "Holiday" {
		t.Errorf("name = %q", p.Name)
	}
	last := view.lists[len(view.lists)-1]
	if len(last) != 1 || last[0].Title() != "Holiday" {
		t.Errorf("list = %+v", last)
	}
}

func TestStaleDeliveryIsNoop(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.DeliverImage{GalleryID: 7, Path: "a.jpg", Blob: "data:x"})

	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg")}})
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:x"})
	if _, ok := g.Picture(1, "x.jpg"); ok {
		t.Error("delivery without a pending entry created one")
	}

	g.Select(1)
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:first"})
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:second"})
	if pic, _ := g.Picture(1, "x.jpg"); pic.Blob != "data:first" {
		t.Errorf("duplicate delivery overwrote the blob: %q", pic.Blob)
	}
}

func TestDisconnectInvalidatesEverything(t *testing.T) {
	g, _, view := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg"), pod(3, "C")}})
	g.Select(1)
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:x"})

	g.Reconnected(false)
	if len(g.Pods()) != 0 {
		t.Errorf("pods survived disconnect: %+v", g.Pods())
	}
	if _, ok := g.Cache(1); ok {
		t.Error("cache survived disconnect")
	}
	if _, ok := g.Selected(); ok {
		t.Error("selection survived disconnect")
	}
	if s := view.lastSelection(t); s.Status != NoneSelected {
		t.Errorf("view status = %v, want NoneSelected", s.Status)
	}

	g.Reconnected(true)
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg"), pod(2, "B")}})
	pods := g.Pods()
	if len(pods) != 2 || pods[0].ID != 1 || pods[1].ID != 2 {
		t.Fatalf("pods = %+v", pods)
	}
	for _, id := range []protocol.PodID{1, 2} {
		if c, ok := g.Cache(id); !ok || c.Len() != 0 {
			t.Errorf("pod %d cache not empty", id)
		}
	}
}

func TestSelectDeliverScenario(t *testing.T) {
	g, sender, view := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg")}})
	g.Select(1)

	reqs := sender.requests()
	if len(reqs) != 1 || reqs[0] != (protocol.RequestImage{GalleryID: 1, Path: "x.jpg"}) {
		t.Fatalf("requests = %+v", reqs)
	}
	if pic, ok := g.Picture(1, "x.jpg"); !ok || pic.State != Pending {
		t.Fatalf("picture = %+v, %v; want pending", pic, ok)
	}

	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "x.jpg", Blob: "data:image/jpeg;base64,AAAA"})
	pic, ok := g.Picture(1, "x.jpg")
	if !ok || pic.State != Ready || pic.Blob != "data:image/jpeg;base64,AAAA" {
		t.Fatalf("picture = %+v", pic)
	}

	s := view.lastSelection(t)
	if s.Status != Shown || len(s.Pictures) != 1 || s.Pictures[0].State != Ready {
		t.Errorf("view = %+v", s)
	}

	// Reselecting reuses the ready blob.
	g.Select(1)
	if n := len(sender.requests()); n != 1 {
		t.Errorf("ready picture fetched again, %d requests", n)
	}
}

func TestPendingPicturesAreRerequestedAfterInterval(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	g, sender, _ := newTestGallery(Options{Now: clk.Now, RerequestInterval: 5 * time.Second})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg")}})

	g.Select(1)
	clk.now = clk.now.Add(time.Second)
	g.Select(1)
	if n := len(sender.requests()); n != 1 {
		t.Fatalf("%d requests before the interval", n)
	}

	clk.now = clk.now.Add(5 * time.Second)
	g.Select(1)
	if n := len(sender.requests()); n != 2 {
		t.Fatalf("%d requests after the interval, want 2", n)
	}
	if c, _ := g.Cache(1); c.Len() != 1 {
		t.Errorf("re-request created a second entry")
	}
}

func TestSelectUnknownPod(t *testing.T) {
	g, sender, view := newTestGallery(Options{})
	g.Select(12)
	if s := view.lastSelection(t); s.Status != InvalidSelection || s.ID != 12 {
		t.Errorf("view = %+v", s)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %v", sender.sent)
	}
}

func TestPodGoneClearsSelection(t *testing.T) {
	g, _, view := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg"), pod(2, "B")}})
	g.Select(1)

	g.HandleMessage(protocol.PodGone{ID: 2})
	if _, ok := g.Selected(); !ok {
		t.Fatal("removing another pod cleared the selection")
	}

	g.HandleMessage(protocol.PodGone{ID: 1})
	if _, ok := g.Selected(); ok {
		t.Error("selection kept after its pod left")
	}
	if s := view.lastSelection(t); s.Status != NoneSelected {
		t.Errorf("view = %+v", s)
	}
	if _, ok := g.Cache(1); ok {
		t.Error("cache kept after pod left")
	}
}

func TestOnlySelectedPodRepaints(t *testing.T) {
	g, _, view := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "x.jpg"), pod(2, "B", "y.jpg")}})
	g.Select(1)
	before := len(view.selections)

	g.HandleMessage(protocol.PodUpdatePaths{ID: 2, Paths: []string{"z.jpg"}, ReplaceImages: true})
	g.HandleMessage(protocol.PodUpdateName{ID: 2, Name: "B2"})
	g.HandleMessage(protocol.DeliverImage{GalleryID: 2, Path: "z.jpg", Blob: "data:z"})
	if len(view.selections) != before {
		t.Errorf("unrelated pod repainted the selection")
	}

	g.HandleMessage(protocol.PodUpdatePaths{ID: 1, Paths: []string{"x.jpg", "w.jpg"}})
	if len(view.selections) != before+1 {
		t.Errorf("update of the selected pod did not repaint")
	}
}

func TestPodsSortedByName(t *testing.T) {
	g, _, _ := newTestGallery(Options{})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(3, "zoo"), pod(1, "alps"), pod(2, "")}})

	pods := g.Pods()
	if pods[0].ID != 2 || pods[1].ID != 1 || pods[2].ID != 3 {
		t.Errorf("order = %+v", pods)
	}
	if pods[0].Title() != "unnamed Gallery #2" {
		t.Errorf("title = %q", pods[0].Title())
	}
}

func TestAutoSelect(t *testing.T) {
	want := protocol.PodID(2)
	g, sender, _ := newTestGallery(Options{AutoSelect: &want})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "a.jpg")}})
	if _, ok := g.Selected(); ok {
		t.Fatal("selected before the configured pod appeared")
	}

	g.HandleMessage(protocol.NewPod{ID: 2, Name: "B", Paths: []string{"b.jpg"}})
	if id, ok := g.Selected(); !ok || id != 2 {
		t.Fatalf("selected = %d, %v", id, ok)
	}
	reqs := sender.requests()
	if len(reqs) != 1 || reqs[0].Path != "b.jpg" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestProbe(t *testing.T) {
	g, sender, _ := newTestGallery(Options{})
	if err := g.Probe(2); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != (protocol.ListPodStructure{ID: 2}) {
		t.Errorf("sent %v", sender.sent)
	}
}

func TestExportViewWritesReadyPictures(t *testing.T) {
	dir := t.TempDir()
	view, err := NewExportView(dir)
	if err != nil {
		t.Fatal(err)
	}
	g := New(&session.Context{Sender: &recordingSender{}}, Options{View: view})
	g.HandleMessage(protocol.Pods{List: []protocol.PodDescription{pod(1, "A", "trip/x.jpg", "y.jpg", "../evil.jpg")}})
	g.Select(1)
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "trip/x.jpg", Blob: thumbnail.DataURL("image/jpeg", []byte("jpeg bytes"))})
	g.HandleMessage(protocol.DeliverImage{GalleryID: 1, Path: "../evil.jpg", Blob: thumbnail.DataURL("image/jpeg", []byte("nope"))})

	data, err := os.ReadFile(filepath.Join(dir, "pod-1", "trip", "x.jpg"))
	if err != nil {
		t.Fatalf("exported file: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("exported %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "pod-1", "y.jpg")); !os.IsNotExist(err) {
		t.Error("pending picture was exported")
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.jpg")); !os.IsNotExist(err) {
		t.Error("picture escaped the export directory")
	}
}
