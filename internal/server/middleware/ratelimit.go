package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const tooManyRequestsBody = `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`

// StreamLimitConfig tunes a ClientLimiter.
type StreamLimitConfig struct {
	// Rate is the sustained number of new streams per second per client.
	Rate float64
	// Burst is how many streams a client may open back to back.
	Burst int
	// IdleTTL drops a client's bucket once it has been idle this long.
	IdleTTL time.Duration
	// SweepInterval is how often idle buckets are swept.
	SweepInterval time.Duration
	// OnReject is called for every rejected request. May be nil.
	OnReject func(r *http.Request)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per client address. Clients are keyed
// on r.RemoteAddr, which chi's RealIP middleware rewrites upstream.
type ClientLimiter struct {
	cfg StreamLimitConfig

	mu      sync.Mutex
	buckets map[string]*clientBucket
	now     func() time.Time
}

// NewClientLimiter creates a limiter whose sweeper runs until ctx is done.
func NewClientLimiter(ctx context.Context, cfg StreamLimitConfig) *ClientLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	l := &ClientLimiter{
		cfg:     cfg,
		buckets: make(map[string]*clientBucket),
		now:     time.Now,
	}
	go l.sweepLoop(ctx)
	return l
}

// Allow spends one token from client's bucket.
func (l *ClientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[client] = b
	}
	b.lastSeen = l.now()
	return b.limiter.Allow()
}

// Clients returns the number of tracked client buckets.
func (l *ClientLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many went.
func (l *ClientLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	dropped := 0
	for client, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, client)
			dropped++
		}
	}
	return dropped
}

func (l *ClientLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Int("dropped", n).Msg("rate limiter swept idle clients")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Middleware rejects requests over the client's budget with a 429 problem body.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			if l.cfg.OnReject != nil {
				l.cfg.OnReject(r)
			}
			log.Debug().Str("client", r.RemoteAddr).Str("path", r.URL.Path).Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/problem+json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(tooManyRequestsBody))
			return
		}

		next.ServeHTTP(w, r)
	})
}
