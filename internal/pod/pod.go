// Package pod hosts a set of local pictures on the relay. It keeps the
// pod registered, publishes the shared paths and answers image requests.
package pod

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/internal/session"
	"github.com/podgallery/podgallery/internal/storage"
	"github.com/podgallery/podgallery/internal/thumbnail"
	"github.com/podgallery/podgallery/pkg/protocol"
)

// MaxRandomID is the upper bound of a randomly proposed pod id.
const MaxRandomID = 100000

// DefaultRegisterTimeout is how long an unanswered RegisterSelf suppresses
// another one.
const DefaultRegisterTimeout = 10 * time.Second

var (
	ErrNotImage     = errors.New("not an image")
	ErrFileNotFound = errors.New("shared file not found")
)

// Reporter receives errors that should be surfaced to the user.
type Reporter func(error)

// Thumbnailer encodes previews. *thumbnail.Pipeline implements it.
type Thumbnailer interface {
	Submit(job thumbnail.Job) *thumbnail.Task
}

// Options configure a Pod.
type Options struct {
	// ProposedID is sent on registration. A random id is proposed when nil.
	ProposedID *protocol.PodID
	Name       string
	// Thumbnailer is required.
	Thumbnailer Thumbnailer
	// Reporter defaults to logging the error.
	Reporter Reporter
	// PendingTTL bounds how long requests for unfinished thumbnails are kept.
	PendingTTL time.Duration
	// RegisterTimeout defaults to DefaultRegisterTimeout.
	RegisterTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pod is the producer state machine. Like the gallery it must only be used
// from the session event loop; ShareSource is the exception.
type Pod struct {
	sess   *session.Context
	thumbs Thumbnailer
	report Reporter

	id    protocol.PodID
	name  string
	files []*SharedFile

	connected       bool
	registered      bool
	registering     bool
	registerSentAt  time.Time
	registerTimeout time.Duration
	publishPending  bool
	pendingReplace  bool
	now             func() time.Time

	pending *pendingRequests
}

// New creates a pod. Close releases the request queue.
func New(sess *session.Context, opts Options) *Pod {
	id := protocol.PodID(rand.IntN(MaxRandomID + 1))
	if opts.ProposedID != nil {
		id = *opts.ProposedID
	}
	report := opts.Reporter
	if report == nil {
		report = func(err error) { logging.Error("pod error", logging.Err(err)) }
	}

	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pod{
		sess:            sess,
		thumbs:          opts.Thumbnailer,
		report:          report,
		id:              id,
		name:            opts.Name,
		registerTimeout: opts.RegisterTimeout,
		now:             opts.Now,
		pending:         newPendingRequests(opts.PendingTTL),
	}
	p.pending.start()
	return p
}

// Close stops the expiry of queued requests.
func (p *Pod) Close() {
	p.pending.stop()
}

// ID returns the proposed id, or the relay-assigned one once registered.
func (p *Pod) ID() protocol.PodID { return p.id }

func (p *Pod) Connected() bool  { return p.connected }
func (p *Pod) Registered() bool { return p.registered }

// Title is the trimmed name, or a placeholder derived from the id.
func (p *Pod) Title() string {
	if name := strings.TrimSpace(p.name); name != "" {
		return name
	}
	return fmt.Sprintf("Unnamed Gallery #%d", p.id)
}

// SetName changes the display name and forwards it while registered.
func (p *Pod) SetName(name string) {
	p.name = name
	if p.registered {
		_ = p.sess.Send(protocol.UpdateTitle{Name: p.Title()})
	}
}

// Files returns the shared files in publish order.
func (p *Pod) Files() []*SharedFile {
	return append([]*SharedFile(nil), p.files...)
}

// File returns the shared file with the given name.
func (p *Pod) File(name string) (*SharedFile, bool) {
	if i := p.index(name); i >= 0 {
		return p.files[i], true
	}
	return nil, false
}

// Paths returns the names of all shared files.
func (p *Pod) Paths() []string {
	paths := make([]string, len(p.files))
	for i, f := range p.files {
		paths[i] = f.Name()
	}
	return paths
}

// Reconnected implements session.Handler. The relay forgets pods across a
// connection loss, so a pod with files registers again once online.
func (p *Pod) Reconnected(online bool) {
	p.connected = online
	if !online {
		p.registered = false
		p.registering = false
		return
	}
	if len(p.files) > 0 {
		p.registerSelf()
	}
}

// HandleMessage implements session.Handler for PodResponse messages.
func (p *Pod) HandleMessage(m protocol.Message) {
	logging.Debug("pod message", logging.String("kind", protocol.Kind(m)))

	switch m := m.(type) {
	case protocol.Registered:
		p.confirmed(m.GlobalID)
	case protocol.AlreadyRegistered:
		logging.Info("pod is already sharing", logging.Uint64("id", uint64(m.GlobalID)))
		p.confirmed(m.GlobalID)
	case protocol.PodRequestImage:
		p.requestImage(m)
	default:
		metrics.RecordUnknownMessage()
		logging.Warn("pod_response unimplemented", logging.String("kind", protocol.Kind(m)))
	}
}

// registerSelf sends the registration unless one is already in flight.
// A registration left unanswered for registerTimeout is sent again.
func (p *Pod) registerSelf() {
	if !p.connected {
		return
	}
	now := p.now()
	if p.registering {
		if now.Sub(p.registerSentAt) < p.registerTimeout {
			return
		}
		logging.Warn("registration unanswered, sending again",
			logging.Uint64("id", uint64(p.id)),
			logging.Duration("after", now.Sub(p.registerSentAt)))
	}
	id := p.id
	if err := p.sess.Send(protocol.RegisterSelf{ProposedID: &id, Name: p.Title()}); err != nil {
		return
	}
	p.registering = true
	p.registerSentAt = now
}

func (p *Pod) confirmed(id protocol.PodID) {
	renamed := p.id != id && strings.TrimSpace(p.name) == ""
	p.id = id
	p.registered = true
	p.registering = false
	logging.Info("pod registered", logging.Uint64("id", uint64(id)), logging.String("title", p.Title()))

	if renamed {
		_ = p.sess.Send(protocol.UpdateTitle{Name: p.Title()})
	}
	if len(p.files) > 0 || p.publishPending {
		// The relay may hold nothing or an older listing under this id.
		p.publishPictures(true)
	}
}

// publishPictures sends the path list. Without a confirmed registration the
// publish is deferred until the relay confirms.
func (p *Pod) publishPictures(replace bool) {
	if !p.connected {
		return
	}
	if !p.registered {
		p.publishPending = true
		p.pendingReplace = p.pendingReplace || replace
		p.registerSelf()
		return
	}

	replace = replace || p.pendingReplace
	p.publishPending = false
	p.pendingReplace = false
	logging.Debug("publishing paths", logging.Int("paths", len(p.files)), logging.Bool("replace", replace))
	_ = p.sess.Send(protocol.UpdatePaths{Paths: p.Paths(), ReplaceImages: replace})
}

func (p *Pod) requestImage(m protocol.PodRequestImage) {
	f, ok := p.File(m.Path)
	switch {
	case !ok:
		metrics.RecordImageRequest("missing")
		p.report(fmt.Errorf("request from client %d for %q: %w", m.ClientID, m.Path, ErrFileNotFound))
	case f.ready:
		p.deliver(m.ClientID, f)
	case f.failed != nil:
		metrics.RecordImageRequest("failed")
		p.report(fmt.Errorf("request from client %d for %q: %w", m.ClientID, m.Path, f.failed))
	default:
		metrics.RecordImageRequest("queued")
		logging.Debug("queueing image request until the thumbnail is ready",
			logging.Uint64("client_id", uint64(m.ClientID)),
			logging.String("path", m.Path))
		p.pending.add(m.Path, m.ClientID)
	}
}

func (p *Pod) deliver(client protocol.PodID, f *SharedFile) {
	if err := p.sess.Send(protocol.PodDeliverImage{ClientID: client, Path: f.Name(), Blob: f.blob}); err != nil {
		metrics.RecordImageRequest("failed")
		return
	}
	metrics.RecordImageRequest("delivered")
}

// HandleFiles adds files from src. Non-image files are rejected and
// reported; the rest are still added. A file whose name is already shared
// replaces the old entry, which makes the next publish a replacing one.
// The returned error joins every rejection.
func (p *Pod) HandleFiles(src storage.Source, files []storage.File) error {
	var errs []error
	var added []*SharedFile
	replace := false

	for _, file := range files {
		if !file.IsImage() {
			metrics.RecordRejectedFile()
			err := fmt.Errorf("%s (%s): %w", file.Name, file.ContentType, ErrNotImage)
			p.report(err)
			errs = append(errs, err)
			continue
		}
		if i := p.index(file.Name); i >= 0 {
			p.files = append(p.files[:i], p.files[i+1:]...)
			replace = true
		}
		f := newSharedFile(src, file)
		p.files = append(p.files, f)
		added = append(added, f)
	}

	if len(added) > 0 {
		metrics.SetSharedFiles(len(p.files))
		p.publishPictures(replace)
		for _, f := range added {
			p.generate(f)
		}
	}
	return errors.Join(errs...)
}

// RemoveFiles stops sharing the named files.
func (p *Pod) RemoveFiles(names ...string) {
	removed := 0
	for _, name := range names {
		i := p.index(name)
		if i < 0 {
			continue
		}
		p.files = append(p.files[:i], p.files[i+1:]...)
		removed++
		for range p.pending.take(name) {
			metrics.RecordImageRequest("missing")
		}
	}
	if removed == 0 {
		return
	}
	metrics.SetSharedFiles(len(p.files))
	p.publishPictures(true)
}

// ShareSource lists src and adds its files on the event loop. It blocks on
// the listing and may be called from any goroutine.
func (p *Pod) ShareSource(ctx context.Context, src storage.Source) error {
	files, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("share %s source: %w", src.Type(), err)
	}
	logging.Info("sharing files", logging.String("source", src.Type()), logging.Int("files", len(files)))
	if !p.sess.Post(func() { _ = p.HandleFiles(src, files) }) {
		return context.Canceled
	}
	return nil
}

// generate starts the thumbnail of f. The completion is applied on the
// event loop and only if f is still the file shared under its name.
func (p *Pod) generate(f *SharedFile) {
	task := p.thumbs.Submit(f.job())
	go func() {
		<-task.Done()
		p.sess.Post(func() { p.thumbnailDone(f, task) })
	}()
}

func (p *Pod) thumbnailDone(f *SharedFile, task *thumbnail.Task) {
	if cur, ok := p.File(f.Name()); !ok || cur != f {
		logging.Debug("discarding thumbnail of a replaced file", logging.String("path", f.Name()))
		return
	}

	res, err := task.Result()
	if err != nil {
		f.failed = err
		clients := p.pending.take(f.Name())
		for range clients {
			metrics.RecordImageRequest("failed")
		}
		p.report(fmt.Errorf("thumbnail %s: %w", f.Name(), err))
		if len(clients) > 0 {
			logging.Error("dropping image requests", logging.String("path", f.Name()), logging.Int("clients", len(clients)))
		}
		return
	}

	f.blob, f.ready = res.Blob, true
	for _, client := range p.pending.take(f.Name()) {
		p.deliver(client, f)
	}
}

func (p *Pod) index(name string) int {
	for i, f := range p.files {
		if f.Name() == name {
			return i
		}
	}
	return -1
}
