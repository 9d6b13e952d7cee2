package stoat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultWebhookPerMinute = 30

	// A webhook source idle this long gives its slot back; combined with
	// maxSources, an address-rotating client can't grow the table.
	sourceIdleTTL = 5 * time.Minute
	maxSources    = 1024
)

type sourceBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ingressLimiter throttles the webhook surface per remote address. Unlike
// the WebSocket transport, which carries its own backpressure, the webhook
// is reachable by anyone holding the token, so each source gets its own
// token bucket sized to the adapter's configured per-minute budget.
type ingressLimiter struct {
	mu        sync.Mutex
	perMinute int
	sources   map[string]*sourceBucket
}

func newIngressLimiter(perMinute int) *ingressLimiter {
	if perMinute <= 0 {
		perMinute = defaultWebhookPerMinute
	}
	return &ingressLimiter{
		perMinute: perMinute,
		sources:   make(map[string]*sourceBucket),
	}
}

// Allow reports whether source still has budget. New sources are admitted
// with a full bucket; when the table is full, idle sources are dropped
// first and the stalest active one after that.
func (l *ingressLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.sources[source]
	if !ok {
		if len(l.sources) >= maxSources {
			l.evict(now)
		}
		perSecond := rate.Limit(float64(l.perMinute) / 60)
		b = &sourceBucket{lim: rate.NewLimiter(perSecond, l.perMinute)}
		l.sources[source] = b
	}
	b.lastSeen = now
	return b.lim.Allow()
}

func (l *ingressLimiter) evict(now time.Time) {
	var stalest string
	var stalestSeen time.Time
	for k, b := range l.sources {
		if now.Sub(b.lastSeen) >= sourceIdleTTL {
			delete(l.sources, k)
			continue
		}
		if stalest == "" || b.lastSeen.Before(stalestSeen) {
			stalest, stalestSeen = k, b.lastSeen
		}
	}
	if len(l.sources) >= maxSources && stalest != "" {
		delete(l.sources, stalest)
	}
}
