package gallery

import (
	"sort"
	"time"

	"github.com/podgallery/podgallery/pkg/protocol"
)

// State is the lifecycle of a cached picture.
type State int

const (
	// Pending means the picture was requested and no blob arrived yet.
	Pending State = iota
	// Ready means the blob is present.
	Ready
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Picture is one cached image of a gallery, keyed by (GalleryID, Path).
// Values handed out are copies; the cache keeps the only mutable record.
type Picture struct {
	GalleryID   protocol.PodID
	Path        string
	State       State
	Blob        string
	RequestedAt time.Time
}

// Cache holds the pictures of one pod. It is created empty and only ever
// grows until the gallery discards it as a whole.
type Cache struct {
	galleryID protocol.PodID
	entries   map[string]*Picture
}

func newCache(id protocol.PodID) *Cache {
	return &Cache{galleryID: id, entries: make(map[string]*Picture)}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Get returns a copy of the entry for path.
func (c *Cache) Get(path string) (Picture, bool) {
	p, ok := c.entries[path]
	if !ok {
		return Picture{}, false
	}
	return *p, true
}

// Pictures returns copies of all entries sorted by path.
func (c *Cache) Pictures() []Picture {
	out := make([]Picture, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// lookup is the result of ensure.
type lookup int

const (
	lookupMiss    lookup = iota // created a new pending entry
	lookupPending               // still waiting for a blob
	lookupHit                   // blob present
)

// ensure returns the entry for path, creating a Pending one when absent.
// An entry is created at most once per key for the lifetime of the cache.
func (c *Cache) ensure(path string, now time.Time) (*Picture, lookup) {
	if p, ok := c.entries[path]; ok {
		if p.State == Ready {
			return p, lookupHit
		}
		return p, lookupPending
	}
	p := &Picture{GalleryID: c.galleryID, Path: path, State: Pending, RequestedAt: now}
	c.entries[path] = p
	return p, lookupMiss
}

// deliver attaches blob to a pending entry. Missing and already completed
// entries are left untouched and reported as false.
func (c *Cache) deliver(path, blob string) bool {
	p, ok := c.entries[path]
	if !ok || p.State != Pending {
		return false
	}
	p.Blob = blob
	p.State = Ready
	return true
}
