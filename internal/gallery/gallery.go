// Package gallery mirrors the pods known to the relay and caches their
// pictures on demand for the gallery that is currently shown.
package gallery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/internal/session"
	"github.com/podgallery/podgallery/pkg/protocol"
)

// DefaultRerequestInterval is how long a pending picture waits before a
// repaint asks for it again.
const DefaultRerequestInterval = 5 * time.Second

// PodSummary is the gallery-side record of one pod.
type PodSummary struct {
	ID           protocol.PodID
	Name         string
	Paths        []string
	LastModified time.Time
}

// Title is the name shown in the pod list.
func (p PodSummary) Title() string {
	if p.Name == "" {
		return fmt.Sprintf("unnamed Gallery #%d", p.ID)
	}
	return p.Name
}

func (p PodSummary) clone() PodSummary {
	p.Paths = append([]string(nil), p.Paths...)
	return p
}

// Options configure a Gallery.
type Options struct {
	// View receives list and selection updates. Defaults to NopView.
	View View
	// RerequestInterval defaults to DefaultRerequestInterval.
	RerequestInterval time.Duration
	// AutoSelect is shown as soon as a pod with this id is known and nothing else is selected.
	AutoSelect *protocol.PodID
	// ProbeOnConnect is sent a ListPodStructure after every connect.
	ProbeOnConnect *protocol.PodID
	// Now is used for request timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Gallery is the consumer state machine. It is not safe for concurrent use:
// every method must run on the session event loop.
type Gallery struct {
	sess      *session.Context
	view      View
	rerequest time.Duration
	auto      *protocol.PodID
	probe     *protocol.PodID
	now       func() time.Time

	pods      map[protocol.PodID]*PodSummary
	caches    map[protocol.PodID]*Cache
	selected  protocol.PodID
	hasSelect bool
}

// New creates a gallery that sends through sess.
func New(sess *session.Context, opts Options) *Gallery {
	if opts.View == nil {
		opts.View = NopView{}
	}
	if opts.RerequestInterval <= 0 {
		opts.RerequestInterval = DefaultRerequestInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gallery{
		sess:      sess,
		view:      opts.View,
		rerequest: opts.RerequestInterval,
		auto:      opts.AutoSelect,
		probe:     opts.ProbeOnConnect,
		now:       opts.Now,
		pods:      make(map[protocol.PodID]*PodSummary),
		caches:    make(map[protocol.PodID]*Cache),
	}
}

// Reconnected implements session.Handler. Going online asks for a snapshot,
// going offline forgets every pod and picture.
func (g *Gallery) Reconnected(online bool) {
	if online {
		g.requestSnapshot()
		if g.probe != nil {
			_ = g.Probe(*g.probe)
		}
		return
	}

	g.pods = make(map[protocol.PodID]*PodSummary)
	g.clearCaches("disconnect")
	g.hasSelect = false
	g.updateList()
	g.updateView()
}

// HandleMessage implements session.Handler for ClientResponse messages.
func (g *Gallery) HandleMessage(m protocol.Message) {
	logging.Debug("gallery message", logging.String("kind", protocol.Kind(m)))

	switch m := m.(type) {
	case protocol.Pods:
		g.snapshot(m.List)
	case protocol.NewPod:
		g.newPod(m)
	case protocol.UnknownPod:
		logging.Info("relay does not know this session, resyncing", logging.Uint64("id", uint64(m.ID)))
		g.requestSnapshot()
	case protocol.PodGone:
		g.podGone(m.ID)
	case protocol.PodUpdateName:
		g.updateName(m)
	case protocol.PodUpdatePaths:
		g.updatePaths(m)
	case protocol.DeliverImage:
		g.deliverImage(m)
	default:
		metrics.RecordUnknownMessage()
		logging.Warn("client_response unimplemented", logging.String("kind", protocol.Kind(m)))
	}
}

func (g *Gallery) requestSnapshot() {
	_ = g.sess.Send(protocol.ListAllPods{})
}

// snapshot replaces the known set. Pods that arrived through NewPod before
// the snapshot are dropped unless the snapshot lists them too.
func (g *Gallery) snapshot(list []protocol.PodDescription) {
	g.pods = make(map[protocol.PodID]*PodSummary, len(list))
	for _, d := range list {
		g.pods[d.ID] = &PodSummary{
			ID:           d.ID,
			Name:         d.Name,
			Paths:        append([]string(nil), d.Paths...),
			LastModified: d.LastModified,
		}
	}

	g.clearCaches("snapshot")
	for id := range g.pods {
		g.caches[id] = newCache(id)
	}

	logging.Info("pod snapshot", logging.Int("pods", len(g.pods)))
	if !g.afterListChange() && g.hasSelect {
		g.updateView()
	}
}

func (g *Gallery) newPod(m protocol.NewPod) {
	p := &PodSummary{ID: m.ID, Name: m.Name, Paths: append([]string(nil), m.Paths...)}
	if m.LastModified != nil {
		p.LastModified = *m.LastModified
	}
	if _, known := g.pods[m.ID]; known {
		logging.Debug("pod announced twice", logging.Uint64("id", uint64(m.ID)))
	}
	g.pods[m.ID] = p
	g.caches[m.ID] = newCache(m.ID)
	metrics.RecordCacheInvalidation("new_pod")
	g.reportCacheSize()

	if !g.afterListChange() && g.isSelected(m.ID) {
		g.updateView()
	}
}

func (g *Gallery) podGone(id protocol.PodID) {
	if _, ok := g.pods[id]; !ok {
		logging.Debug("unknown pod gone", logging.Uint64("id", uint64(id)))
		return
	}
	delete(g.pods, id)
	delete(g.caches, id)
	g.reportCacheSize()

	g.updateList()
	if g.isSelected(id) {
		g.hasSelect = false
		g.updateView()
	}
}

func (g *Gallery) updateName(m protocol.PodUpdateName) {
	p, ok := g.pods[m.ID]
	if !ok {
		logging.Debug("name update for unknown pod", logging.Uint64("id", uint64(m.ID)))
		return
	}
	p.Name = m.Name

	g.updateList()
	if g.isSelected(m.ID) {
		g.updateView()
	}
}

func (g *Gallery) updatePaths(m protocol.PodUpdatePaths) {
	p, ok := g.pods[m.ID]
	if !ok {
		logging.Debug("paths update for unknown pod", logging.Uint64("id", uint64(m.ID)))
		return
	}
	p.Paths = append([]string(nil), m.Paths...)
	p.LastModified = m.LastModified

	if _, cached := g.caches[m.ID]; m.ReplaceImages || !cached {
		if cached {
			metrics.RecordCacheInvalidation("replace")
		}
		g.caches[m.ID] = newCache(m.ID)
		g.reportCacheSize()
	}

	g.updateList()
	if g.isSelected(m.ID) {
		g.updateView()
	}
}

func (g *Gallery) deliverImage(m protocol.DeliverImage) {
	c, ok := g.caches[m.GalleryID]
	if !ok || !c.deliver(m.Path, m.Blob) {
		metrics.RecordDelivery("stale")
		logging.Debug("stale image delivery",
			logging.Uint64("gallery_id", uint64(m.GalleryID)),
			logging.String("path", m.Path))
		return
	}
	metrics.RecordDelivery("stored")

	if g.isSelected(m.GalleryID) {
		g.updateView()
	}
}

// Select shows the pod with the given id and requests every picture it
// lists that is not cached yet. An unknown id shows the invalid state.
func (g *Gallery) Select(id protocol.PodID) {
	g.selected = id
	g.hasSelect = true
	g.updateView()
}

// ClearSelection returns the view to the empty state.
func (g *Gallery) ClearSelection() {
	g.hasSelect = false
	g.updateView()
}

// Selected returns the selected pod id, if any.
func (g *Gallery) Selected() (protocol.PodID, bool) {
	return g.selected, g.hasSelect
}

// Probe sends the diagnostic ListPodStructure request for id.
func (g *Gallery) Probe(id protocol.PodID) error {
	return g.sess.Send(protocol.ListPodStructure{ID: id})
}

// Pods returns the known pods sorted by title, then id.
func (g *Gallery) Pods() []PodSummary {
	out := make([]PodSummary, 0, len(g.pods))
	for _, p := range g.pods {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].Name, out[j].Name); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pod returns the record for id.
func (g *Gallery) Pod(id protocol.PodID) (PodSummary, bool) {
	p, ok := g.pods[id]
	if !ok {
		return PodSummary{}, false
	}
	return p.clone(), true
}

// Cache returns the picture cache of a pod. The cache must only be read on the event loop.
func (g *Gallery) Cache(id protocol.PodID) (*Cache, bool) {
	c, ok := g.caches[id]
	return c, ok
}

// Picture returns the cache entry for (id, path).
func (g *Gallery) Picture(id protocol.PodID, path string) (Picture, bool) {
	c, ok := g.caches[id]
	if !ok {
		return Picture{}, false
	}
	return c.Get(path)
}

func (g *Gallery) isSelected(id protocol.PodID) bool {
	return g.hasSelect && g.selected == id
}

func (g *Gallery) clearCaches(cause string) {
	if len(g.caches) > 0 {
		metrics.RecordCacheInvalidation(cause)
	}
	g.caches = make(map[protocol.PodID]*Cache)
	g.reportCacheSize()
}

func (g *Gallery) reportCacheSize() {
	n := 0
	for _, c := range g.caches {
		n += c.Len()
	}
	metrics.SetCacheEntries(n)
}

// afterListChange refreshes the list and applies the automatic selection.
// It reports whether the view was repainted.
func (g *Gallery) afterListChange() bool {
	g.updateList()
	if g.auto == nil || g.hasSelect {
		return false
	}
	if _, ok := g.pods[*g.auto]; !ok {
		return false
	}
	logging.Info("selecting configured gallery", logging.Uint64("id", uint64(*g.auto)))
	g.Select(*g.auto)
	return true
}

func (g *Gallery) updateList() {
	metrics.SetKnownPods(len(g.pods))
	g.view.ShowList(g.Pods())
}

// updateView repaints the selection. Every listed path gets a cache entry;
// missing entries are requested, pending ones again once they are older
// than the re-request interval.
func (g *Gallery) updateView() {
	if !g.hasSelect {
		g.view.ShowSelection(Selection{Status: NoneSelected})
		return
	}
	p, ok := g.pods[g.selected]
	if !ok {
		g.view.ShowSelection(Selection{Status: InvalidSelection, ID: g.selected})
		return
	}

	c, ok := g.caches[p.ID]
	if !ok {
		c = newCache(p.ID)
		g.caches[p.ID] = c
	}

	now := g.now()
	pictures := make([]Picture, 0, len(p.Paths))
	for _, path := range p.Paths {
		pic, res := c.ensure(path, now)
		switch res {
		case lookupMiss:
			metrics.RecordCacheLookup("miss")
			g.request(p.ID, path)
		case lookupPending:
			metrics.RecordCacheLookup("pending")
			if now.Sub(pic.RequestedAt) >= g.rerequest {
				pic.RequestedAt = now
				g.request(p.ID, path)
			}
		case lookupHit:
			metrics.RecordCacheLookup("hit")
		}
		pictures = append(pictures, *pic)
	}
	g.reportCacheSize()

	g.view.ShowSelection(Selection{Status: Shown, ID: p.ID, Pod: p.clone(), Pictures: pictures})
}

func (g *Gallery) request(id protocol.PodID, path string) {
	_ = g.sess.Send(protocol.RequestImage{GalleryID: id, Path: path})
}
