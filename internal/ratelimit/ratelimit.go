// Package ratelimit provides per-host token-bucket admission control for the
// fetch client. Hosts are fully isolated: exhaustion on one host never delays
// reservations for another.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// Settings configures the bucket created on a host's first reservation.
type Settings struct {
	PerSecond float64
	Burst     int
	MaxWait   time.Duration
}

// Enabled reports whether these settings impose any limit at all.
func (s Settings) Enabled() bool {
	return s.PerSecond > 0
}

// Snapshot is a point-in-time view of one host's bucket for dashboards.
type Snapshot struct {
	HostKey         string  `json:"host_key"`
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	AvailableTokens float64 `json:"available_tokens"`
	PendingWaiters  int64   `json:"pending_waiters"`
}

type hostBucket struct {
	limiter *rate.Limiter
	pending atomic.Int64
}

// Registry owns the per-host buckets. Construct one per engine instance and
// share it by handle; there is no package-level state.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]*hostBucket
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*hostBucket)}
}

// Reserve blocks until the host's bucket admits one request, and reports how
// long the caller blocked; immediate admission reports zero. Waiters on one
// host are served FIFO. With a
// configured MaxWait the reservation fails RATE_LIMIT_TIMEOUT instead of
// waiting past the bound; without one it waits until the caller's context
// cancels.
func (r *Registry) Reserve(ctx context.Context, hostKey string, s Settings) (time.Duration, error) {
	if !s.Enabled() || hostKey == "" {
		return 0, nil
	}

	bucket := r.bucket(hostKey, s)
	bucket.pending.Add(1)
	defer bucket.pending.Add(-1)

	waitCtx := ctx
	if s.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.MaxWait)
		defer cancel()
	}

	// An immediately available token is not a wait; only genuine blocking
	// shows up in the returned duration, so wait counters stay meaningful.
	if bucket.limiter.Allow() {
		return 0, nil
	}

	start := time.Now()
	if err := bucket.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return time.Since(start), ctx.Err()
		}
		if s.MaxWait > 0 && (errors.Is(waitCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
			return time.Since(start), types.NewError(types.KindRateLimitTimeout,
				fmt.Sprintf("no token for %s within %s", hostKey, s.MaxWait))
		}
		// rate.Limiter.Wait refuses up front when the deadline cannot be met.
		return time.Since(start), types.WrapError(types.KindRateLimitTimeout,
			fmt.Sprintf("reservation for %s rejected", hostKey), err)
	}
	return time.Since(start), nil
}

func (r *Registry) bucket(hostKey string, s Settings) *hostBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.hosts[hostKey]; ok {
		return b
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}
	b := &hostBucket{limiter: rate.NewLimiter(rate.Limit(s.PerSecond), burst)}
	r.hosts[hostKey] = b
	return b
}

// Snapshot reports the current bucket state for one host.
func (r *Registry) Snapshot(hostKey string) (Snapshot, bool) {
	r.mu.Lock()
	b, ok := r.hosts[hostKey]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	capacity := b.limiter.Burst()
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(capacity) {
		tokens = float64(capacity)
	}
	return Snapshot{
		HostKey:         hostKey,
		Capacity:        capacity,
		RefillPerSecond: float64(b.limiter.Limit()),
		AvailableTokens: tokens,
		PendingWaiters:  b.pending.Load(),
	}, true
}

// Hosts lists every host with a live bucket.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}
