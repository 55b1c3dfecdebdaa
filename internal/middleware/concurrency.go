package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds how many relays run at once using a weighted
// semaphore. Only the wait for a slot is time-limited; an admitted stream
// runs until it finishes.
type ConcurrencyLimiter struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	waitTimeout   time.Duration
	activeCount   int64
	totalReqs     int64
	rejectedReqs  int64
}

// LimiterStats is a point-in-time view of the limiter counters.
type LimiterStats struct {
	Max      int64 `json:"max"`
	Active   int64 `json:"active"`
	Total    int64 `json:"total"`
	Rejected int64 `json:"rejected"`
}

// NewConcurrencyLimiter creates a limiter with maxConcurrent slots and the
// given wait timeout.
func NewConcurrencyLimiter(maxConcurrent int, waitTimeout time.Duration) *ConcurrencyLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if waitTimeout <= 0 {
		waitTimeout = 60 * time.Second
	}
	return &ConcurrencyLimiter{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		waitTimeout:   waitTimeout,
	}
}

func (cl *ConcurrencyLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&cl.totalReqs, 1)
		log := LogWithTrace(r.Context())

		waitCtx, cancelWait := context.WithTimeout(r.Context(), cl.waitTimeout)
		defer cancelWait()

		acquireStart := time.Now()
		if err := cl.sem.Acquire(waitCtx, 1); err != nil {
			if r.Context().Err() != nil {
				return
			}
			rejected := atomic.AddInt64(&cl.rejectedReqs, 1)
			log.Warn("Concurrency limit: wait timeout", "duration", time.Since(acquireStart), "total_rejected", rejected, "wait_timeout", cl.waitTimeout)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Server busy, try again later"})
			return
		}

		active := atomic.AddInt64(&cl.activeCount, 1)
		log.Debug("Concurrency limit: slot acquired", "wait_duration", time.Since(acquireStart), "active", active)

		defer func() {
			cl.sem.Release(1)
			atomic.AddInt64(&cl.activeCount, -1)
		}()

		next.ServeHTTP(w, r)
	}
}

func (cl *ConcurrencyLimiter) Stats() LimiterStats {
	return LimiterStats{
		Max:      cl.maxConcurrent,
		Active:   atomic.LoadInt64(&cl.activeCount),
		Total:    atomic.LoadInt64(&cl.totalReqs),
		Rejected: atomic.LoadInt64(&cl.rejectedReqs),
	}
}
