package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bridgecore/bridged/internal/umf"
)

// Manager owns one Queue per destination-platform queue name and is the
// concrete implementation of router.Enqueuer: it looks up (or lazily
// creates, with a default unlimited limiter) the named queue and forwards
// the job to it.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	logger *slog.Logger
}

// NewManager returns an empty Manager. logger may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{queues: make(map[string]*Queue), logger: logger}
}

// Declare registers a named queue with an explicit limit and options,
// ahead of any traffic. Process calls this (from an adapter's Init, via
// adapter.RegisterEgress) before it registers the consumer. An existing
// queue is returned unchanged; limit and opts are then ignored.
func (m *Manager) Declare(name string, limit Limit, opts ...Option) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	opts = append([]Option{WithLogger(m.logger)}, opts...)
	q := New(name, limit, opts...)
	m.queues[name] = q
	return q
}

// Process registers the single consumer for a named queue, declaring it
// with limit first if it does not exist yet. A queue that already exists
// keeps the limit it was declared with.
func (m *Manager) Process(name string, limit Limit, proc Processor) {
	q := m.Declare(name, limit)
	q.Register(proc)
}

// Enqueue implements router.Enqueuer: it looks up the destination queue by
// name (declaring it unlimited if it doesn't exist yet — traffic can
// arrive before an adapter finishes Init) and forwards the job.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobID string, env *umf.Envelope) error {
	q := m.Declare(queueName, Limit{})
	return q.Enqueue(ctx, jobID, env)
}

// Queue returns the named queue if it has been declared.
func (m *Manager) Queue(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// StopAll stops every managed queue's worker pool.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		q.Stop()
	}
}
