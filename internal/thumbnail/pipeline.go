package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
)

var ErrStopped = errors.New("thumbnail pipeline stopped")

// maxSourceSize caps how much of a file is read before encoding.
const maxSourceSize = 64 << 20

// Job describes one file to encode.
type Job struct {
	Name        string
	ContentType string
	Open        func(ctx context.Context) (io.ReadCloser, error)
}

// Task is the future of a submitted Job. There is no cancellation: a caller
// that no longer cares simply ignores the result.
type Task struct {
	Name   string
	done   chan struct{}
	result Result
	err    error
}

func newTask(name string) *Task {
	return &Task{Name: name, done: make(chan struct{})}
}

func (t *Task) complete(r Result, err error) {
	t.result, t.err = r, err
	close(t.done)
}

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. Only valid after Done is closed.
func (t *Task) Result() (Result, error) {
	return t.result, t.err
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type work struct {
	job  Job
	task *Task
}

// Pipeline encodes jobs on a fixed pool of workers. The backlog is
// unbounded so a large share never loses a job.
type Pipeline struct {
	opts    Options
	workers int

	mu      sync.Mutex
	backlog []work
	stopped bool
	wake    chan struct{}

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewPipeline creates a pipeline with the given worker count.
func NewPipeline(opts Options, workers int) *Pipeline {
	if workers <= 0 {
		workers = 2
	}
	return &Pipeline{
		opts:    opts.withDefaults(),
		wake:    make(chan struct{}, 1),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("thumbnail pipeline started", logging.Int("workers", p.workers))
}

// Stop signals workers to stop and waits for them to finish.
// Queued jobs that never ran fail with ErrStopped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		p.mu.Lock()
		left := p.backlog
		p.backlog = nil
		p.mu.Unlock()
		for _, w := range left {
			w.task.complete(Result{}, ErrStopped)
		}
		logging.Info("thumbnail pipeline stopped", logging.Int("dropped", len(left)))
	})
}

// Submit queues a job and returns its task. It never blocks.
func (p *Pipeline) Submit(job Job) *Task {
	task := newTask(job.Name)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		task.complete(Result{}, ErrStopped)
		return task
	}
	p.backlog = append(p.backlog, work{job: job, task: task})
	p.mu.Unlock()

	p.signal()
	return task
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest job and passes the wakeup on while work remains.
func (p *Pipeline) next() (work, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return work{}, false
	}
	w := p.backlog[0]
	p.backlog[0] = work{}
	p.backlog = p.backlog[1:]
	if len(p.backlog) > 0 {
		p.signal()
	}
	return w, true
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for ctx.Err() == nil {
		w, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		w.task.complete(p.process(ctx, w.job))
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	result, err := p.encode(ctx, job)
	metrics.RecordThumbnail(time.Since(start), result.Steps, err == nil)
	if err != nil {
		logging.Warn("thumbnail failed", logging.String("name", job.Name), logging.Err(err))
		return Result{}, err
	}

	logging.Debug("thumbnail ready",
		logging.String("name", job.Name),
		logging.Int("bytes", len(result.Blob)),
		logging.Int("steps", result.Steps),
		logging.Int("width", result.Width))
	return result, nil
}

func (p *Pipeline) encode(ctx context.Context, job Job) (Result, error) {
	rc, err := job.Open(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", job.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxSourceSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", job.Name, err)
	}
	if len(data) > maxSourceSize {
		return Result{}, fmt.Errorf("read %s: larger than %d bytes", job.Name, maxSourceSize)
	}
	return Encode(data, job.ContentType, p.opts)
}
