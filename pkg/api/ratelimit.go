package api

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/auth"
)

// RateLimiter enforces the three abuse-prevention budgets: a general
// per-user budget on every authenticated endpoint, a tighter per-user
// budget on sandbox creation, and a per-client-IP budget on auth attempts.
// Each budget is a keyed set of token buckets built on golang.org/x/time/rate,
// one bucket per key, created lazily and reaped once it's been idle long
// enough that its bucket would be full again anyway.
type RateLimiter struct {
	logger *zap.Logger

	general       *keyedLimiter
	sandboxCreate *keyedLimiter
	authAttempt   *keyedLimiter
}

// NewRateLimiter builds a RateLimiter from the three spec-mandated budgets.
// generalRPM and sandboxCreatesPerMinute are per-minute; authAttemptsPer15Min
// is per 15-minute window.
func NewRateLimiter(generalRPM, sandboxCreatesPerMinute, authAttemptsPer15Min int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		logger:        logger,
		general:       newKeyedLimiter(rate.Limit(float64(generalRPM)/60.0), generalRPM),
		sandboxCreate: newKeyedLimiter(rate.Limit(float64(sandboxCreatesPerMinute)/60.0), sandboxCreatesPerMinute),
		authAttempt:   newKeyedLimiter(rate.Limit(float64(authAttemptsPer15Min)/(15*60)), authAttemptsPer15Min),
	}
}

// Middleware enforces the general per-user budget. It must sit behind the
// auth middleware: it keys on the authenticated user's id.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.general.allow(user.ID) {
			respondError(w, rl.logger, apperr.RateLimited("too many requests, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SandboxCreateMiddleware wraps the sandbox-create route with the tighter
// per-user budget, on top of (not instead of) the general budget.
func (rl *RateLimiter) SandboxCreateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.sandboxCreate.allow(user.ID) {
			respondError(w, rl.logger, apperr.RateLimited("too many sandbox creations, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthAttemptMiddleware wraps the unauthenticated signup/login routes with
// the per-client-IP budget, since there's no user id to key on yet.
func (rl *RateLimiter) AuthAttemptMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.authAttempt.allow(clientIP(r)) {
			respondError(w, rl.logger, apperr.RateLimited("too many attempts, try again later"))
			return
		}
		next(w, r)
	}
}

// keyedLimiter holds one rate.Limiter per key, swept periodically so a
// long-lived process doesn't accumulate one bucket per distinct caller
// forever.
type keyedLimiter struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	seen   map[string]*limiterEntry
	lastGC time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &keyedLimiter{
		limit:  limit,
		burst:  burst,
		seen:   make(map[string]*limiterEntry),
		lastGC: time.Now(),
	}
}

func (kl *keyedLimiter) allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	entry, ok := kl.seen[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.seen[key] = entry
	}
	entry.lastSeen = now

	if now.Sub(kl.lastGC) > 10*time.Minute {
		kl.gc(now)
		kl.lastGC = now
	}

	return entry.limiter.Allow()
}

// gc drops buckets idle long enough that they'd be fully refilled anyway,
// so an attacker can't grow this map by cycling through keys.
func (kl *keyedLimiter) gc(now time.Time) {
	for key, entry := range kl.seen {
		if now.Sub(entry.lastSeen) > 30*time.Minute {
			delete(kl.seen, key)
		}
	}
}
