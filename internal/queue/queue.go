// Package queue is the Queue Manager: one bounded, rate-limited, retrying
// FIFO worker pool per destination platform, sitting between the router's
// fan-out and each adapter's egress call.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bridgecore/bridged/internal/bridgeerr"
	"github.com/bridgecore/bridged/internal/obsctx"
	"github.com/bridgecore/bridged/internal/umf"
)

const (
	DefaultConcurrency     = 5
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = time.Second
	DefaultCompletedRetain = 100
	DefaultFailedRetain    = 500
)

// Processor is the single consumer a queue runs its jobs through.
type Processor func(ctx context.Context, env *umf.Envelope) error

// Limit is a token-bucket shape: at most Max events per DurationMs.
type Limit struct {
	Max        int
	DurationMs int
}

func (l Limit) limiter() *rate.Limiter {
	if l.Max <= 0 || l.DurationMs <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	perSecond := float64(l.Max) / (float64(l.DurationMs) / 1000)
	return rate.NewLimiter(rate.Limit(perSecond), l.Max)
}

// JobStatus is the terminal outcome recorded for a job in the trim ring.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRecord is what's retained after a job finishes, for status/debugging
// surfaces.
type JobRecord struct {
	ID         string
	Status     JobStatus
	Attempts   int
	Err        string
	FinishedAt time.Time
}

type job struct {
	id      string
	env     *umf.Envelope
	attempt int
}

// Queue is one destination-platform's FIFO: bounded worker pool, token
// bucket, retry/backoff, idempotent job ids, and bounded completed/failed
// history.
type Queue struct {
	name    string
	logger  *slog.Logger
	limiter *rate.Limiter

	concurrency int
	maxRetries  int
	backoffBase time.Duration

	mu        sync.Mutex
	processor Processor
	pending   map[string]struct{} // job ids currently enqueued or in-flight, for idempotency

	jobs chan job
	wg   sync.WaitGroup

	completed []JobRecord
	failed    []JobRecord

	completedRetain int
	failedRetain    int

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a new Queue.
type Option func(*Queue)

func WithConcurrency(n int) Option { return func(q *Queue) { q.concurrency = n } }

func WithMaxRetries(n int) Option { return func(q *Queue) { q.maxRetries = n } }

func WithBackoffBase(d time.Duration) Option { return func(q *Queue) { q.backoffBase = d } }

func WithRetention(completed, failed int) Option {
	return func(q *Queue) { q.completedRetain, q.failedRetain = completed, failed }
}

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// New builds a Queue named name, rate-limited per limit. Register must be
// called once to install the processor and start the worker pool; jobs
// enqueued before Register wait in the queue's buffered channel (capacity
// 1024) until Register starts the workers.
func New(name string, limit Limit, opts ...Option) *Queue {
	q := &Queue{
		name:            name,
		logger:          slog.Default(),
		limiter:         limit.limiter(),
		concurrency:     DefaultConcurrency,
		maxRetries:      DefaultMaxRetries,
		backoffBase:     DefaultBackoffBase,
		completedRetain: DefaultCompletedRetain,
		failedRetain:    DefaultFailedRetain,
		pending:         make(map[string]struct{}),
		jobs:            make(chan job, 1024),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register installs the single processor this queue runs jobs through and
// starts the worker pool. A second call is refused with a warning log, not
// an error ("double registration is refused (warning, not error)").
func (q *Queue) Register(proc Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processor != nil {
		q.logger.Warn("queue: processor already registered, ignoring", "queue", q.name)
		return
	}
	q.processor = proc

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Enqueue adds env as a job with the given id. A job id already pending or
// in-flight on this queue is a no-op (idempotency).
func (q *Queue) Enqueue(ctx context.Context, jobID string, env *umf.Envelope) error {
	q.mu.Lock()
	if _, exists := q.pending[jobID]; exists {
		q.mu.Unlock()
		return nil
	}
	q.pending[jobID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- job{id: jobID, env: env}:
		return nil
	case <-q.stop:
		return bridgeerr.New(bridgeerr.KindFatal, errQueueStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals every worker to exit once it's done with its current job.
// Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case j := <-q.jobs:
			q.run(j)
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) run(j job) {
	ctx := obsctx.With(context.Background(), obsctx.Frame{
		CorrelationID: correlationID(j),
		Source:        q.name,
	})

	if err := q.limiter.Wait(ctx); err != nil {
		q.finish(j.id)
		q.record(j, JobFailed, err)
		return
	}

	q.mu.Lock()
	proc := q.processor
	q.mu.Unlock()
	if proc == nil {
		q.finish(j.id)
		q.record(j, JobFailed, errNoProcessor)
		return
	}

	err := proc(ctx, j.env)
	if err == nil {
		q.finish(j.id)
		q.record(j, JobCompleted, nil)
		return
	}

	// Schema-invalid and other fatal errors are never retried.
	if !bridgeerr.Retryable(err) {
		q.finish(j.id)
		q.record(j, JobFailed, err)
		return
	}

	if j.attempt+1 >= q.maxRetries {
		q.finish(j.id)
		q.record(j, JobFailed, err)
		return
	}

	delay := q.retryDelay(j.attempt, err)
	next := j
	next.attempt++
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- next:
		case <-q.stop:
			q.finish(next.id)
		}
	})
}

// retryDelay is exponential backoff starting at backoffBase, doubling per
// attempt, except a rate-limit signal's recommended RetryAfter wins when
// it's the larger of the two.
func (q *Queue) retryDelay(attempt int, err error) time.Duration {
	backoff := q.backoffBase * time.Duration(1<<uint(attempt))

	var be *bridgeerr.BridgeError
	if errors.As(err, &be) && be.Kind == bridgeerr.KindRateLimited && be.RetryAfter > backoff {
		return be.RetryAfter
	}
	return backoff
}

func (q *Queue) finish(jobID string) {
	q.mu.Lock()
	delete(q.pending, jobID)
	q.mu.Unlock()
}

func (q *Queue) record(j job, status JobStatus, err error) {
	rec := JobRecord{ID: j.id, Status: status, Attempts: j.attempt + 1, FinishedAt: time.Now()}
	if err != nil {
		rec.Err = err.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch status {
	case JobCompleted:
		q.completed = append(q.completed, rec)
		if len(q.completed) > q.completedRetain {
			q.completed = q.completed[len(q.completed)-q.completedRetain:]
		}
	case JobFailed:
		q.failed = append(q.failed, rec)
		if len(q.failed) > q.failedRetain {
			q.failed = q.failed[len(q.failed)-q.failedRetain:]
		}
	}
}

// Completed returns a snapshot of retained completed job records.
func (q *Queue) Completed() []JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]JobRecord{}, q.completed...)
}

// Failed returns a snapshot of retained failed job records.
func (q *Queue) Failed() []JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]JobRecord{}, q.failed...)
}

func correlationID(j job) string {
	if j.env != nil && j.env.Head.CorrelationID != "" {
		return j.env.Head.CorrelationID
	}
	return j.id
}

type queueStoppedErr struct{}

func (queueStoppedErr) Error() string { return "queue: stopped" }

var errQueueStopped = queueStoppedErr{}

type noProcessorErr struct{}

func (noProcessorErr) Error() string { return "queue: no processor registered" }

var errNoProcessor = noProcessorErr{}
