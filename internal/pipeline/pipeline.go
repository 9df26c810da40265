// Package pipeline queues reference frame builds and runs them on a fixed set
// of workers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"refframe/internal/config"
	"refframe/internal/logging"
	"refframe/internal/mosaic"
	"refframe/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)

// Job is one reference frame build request.
type Job struct {
	ID        string         `json:"id"`
	TracePath string         `json:"trace"`
	VideoPath string         `json:"video,omitempty"`  // overrides the trace's video
	Output    string         `json:"output,omitempty"` // derived from the trace when empty
	Options   mosaic.Options `json:"options"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job       Job                      `json:"job"`
	Status    string                   `json:"status"`
	Error     error                    `json:"-"`
	Meta      map[string]any           `json:"meta,omitempty"`
	Reference *storage.ReferenceRecord `json:"-"`
	Mosaic    *mosaic.Result           `json:"-"`
}

// Progress is a per-frame update of a running job.
type Progress struct {
	JobID  string `json:"job_id"`
	Frame  int    `json:"frame"`
	Frames int    `json:"frames"`
}

// Processor executes a job and returns a Result. progress may be called from
// the processing goroutine after each frame.
type Processor interface {
	Process(ctx context.Context, job Job, progress mosaic.ProgressFunc) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store

	mu       sync.Mutex
	stopped  bool
	queued   map[string]bool
	running  map[string]context.CancelFunc
	canceled map[string]bool
	results  *broadcaster[Result]
	progress *broadcaster[Progress]
}

// New creates a Pipeline from the processing and mosaic settings in cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	return newPipeline(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, newRunner(cfg, logger, store))
}

func newPipeline(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		queued:    make(map[string]bool),
		running:   make(map[string]context.CancelFunc),
		canceled:  make(map[string]bool),
		results:   newBroadcaster[Result](logger, "result", 8),
		progress:  newBroadcaster[Progress](logger, "progress", 64),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// NewJobID returns a fresh run identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Submit adds a job to the processing queue and returns its ID.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}

	select {
	case p.jobs <- job:
		p.queued[job.ID] = true
	default:
		return "", ErrQueueFull
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Status:      storage.StatusQueued,
			TracePath:   job.TracePath,
			VideoPath:   job.VideoPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "id", job.ID, "error", err)
		}
	}
	return job.ID, nil
}

// Cancel stops a queued or running job. It reports false when the job is not
// known to this pipeline.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[id]; ok {
		cancel()
		return true
	}
	if p.queued[id] {
		p.canceled[id] = true
		return true
	}
	return false
}

// Stop signals workers to exit and waits for completion. Running jobs are
// canceled at their next frame boundary.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		p.results.close()
		p.progress.close()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcastResult(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	skip := p.canceled[job.ID]
	delete(p.canceled, job.ID)
	delete(p.queued, job.ID)
	if !skip {
		p.running[job.ID] = cancel
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	if skip {
		res := Result{Job: job, Status: storage.StatusCanceled, Error: mosaic.ErrCanceled}
		p.finish(res, 0)
		return res
	}

	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.TracePath, job.VideoPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	res := p.processor.Process(jobCtx, job, func(pr mosaic.Progress) {
		p.progress.send(Progress{JobID: job.ID, Frame: pr.Frame, Frames: pr.Frames})
	})
	if res.Status == "" {
		res.Status = statusFor(res.Error)
	}
	p.finish(res, time.Since(start))
	return res
}

func (p *Pipeline) finish(res Result, duration time.Duration) {
	if res.Error != nil {
		logging.LogRunError(p.log, res.Job.ID, duration, res.Error, res.Status == storage.StatusCanceled)
	} else {
		logging.LogRunComplete(p.log, res.Job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordRunResult(res.Job.ID, res.Status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record run result", "id", res.Job.ID, "error", err)
		}
	}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return storage.StatusCompleted
	case mosaic.IsCanceled(err), errors.Is(err, context.Canceled):
		return storage.StatusCanceled
	default:
		return storage.StatusFailed
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.results.subscribe()
}

// SubscribeProgress returns a channel of per-frame updates for all jobs.
// Updates are dropped for subscribers that fall behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	return p.progress.subscribe()
}

func (p *Pipeline) broadcastResult(res Result) {
	p.results.send(res)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type broadcaster[T any] struct {
	log    *slog.Logger
	kind   string
	buffer int

	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func newBroadcaster[T any](log *slog.Logger, kind string, buffer int) *broadcaster[T] {
	return &broadcaster[T]{log: log, kind: kind, buffer: buffer, subs: make(map[int]chan T)}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

func (b *broadcaster[T]) send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.log.Debug(b.kind+" channel full", "subscriber", id)
		}
	}
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
