package pod

import (
	"context"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/pkg/protocol"
)

// DefaultPendingTTL bounds how long an image request waits for its thumbnail.
const DefaultPendingTTL = 30 * time.Second

// pendingRequests holds the clients waiting for a file whose thumbnail is
// not ready yet, keyed by file name.
type pendingRequests struct {
	cache   *ttlcache.Cache[string, []protocol.PodID]
	started bool
}

func newPendingRequests(ttl time.Duration) *pendingRequests {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	cache := ttlcache.New[string, []protocol.PodID](
		ttlcache.WithTTL[string, []protocol.PodID](ttl),
		ttlcache.WithDisableTouchOnHit[string, []protocol.PodID](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, []protocol.PodID]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		for range item.Value() {
			metrics.RecordImageRequest("expired")
		}
		logging.Warn("image request expired before the thumbnail was ready",
			logging.String("path", item.Key()),
			logging.Int("clients", len(item.Value())))
	})
	return &pendingRequests{cache: cache}
}

// add queues client for name. A client waiting already is not added twice.
func (p *pendingRequests) add(name string, client protocol.PodID) {
	var clients []protocol.PodID
	if item := p.cache.Get(name); item != nil {
		clients = item.Value()
	}
	if slices.Contains(clients, client) {
		return
	}
	clients = append(slices.Clone(clients), client)
	p.cache.Set(name, clients, ttlcache.DefaultTTL)
}

// take removes and returns the clients waiting for name.
func (p *pendingRequests) take(name string) []protocol.PodID {
	item := p.cache.Get(name)
	if item == nil {
		return nil
	}
	p.cache.Delete(name)
	return item.Value()
}

func (p *pendingRequests) size() int {
	return p.cache.Len()
}

// start runs the expiry loop until stop is called.
func (p *pendingRequests) start() {
	if p.started {
		return
	}
	p.started = true
	go p.cache.Start()
}

func (p *pendingRequests) stop() {
	if !p.started {
		return
	}
	p.started = false
	p.cache.Stop()
}
