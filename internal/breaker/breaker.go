// Package breaker fast-fails calls to hosts that keep failing, per the usual
// CLOSED/OPEN/HALF_OPEN state machine, with one independent breaker per host.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// State enumerates breaker statuses.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configures the breaker created on a host's first call.
type Settings struct {
	FailureThreshold  int
	SuccessThreshold  int
	Cooldown          time.Duration
	HalfOpenMaxTrials int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.HalfOpenMaxTrials <= 0 {
		s.HalfOpenMaxTrials = 1
	}
	return s
}

// Snapshot is a point-in-time view of one host's breaker.
type Snapshot struct {
	HostKey              string    `json:"host_key"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	OpenAge              string    `json:"open_age,omitempty"`
	TrialsInFlight       int       `json:"trials_in_flight"`
}

// TransitionFunc observes every state change. Invoked outside the host lock.
type TransitionFunc func(hostKey string, from, to State)

type hostBreaker struct {
	mu       sync.Mutex
	settings Settings

	status    State
	failures  int
	successes int
	openedAt  time.Time
	trials    int
}

// Registry owns the per-host breakers. Construct one per engine instance.
type Registry struct {
	mu           sync.Mutex
	hosts        map[string]*hostBreaker
	onTransition TransitionFunc
}

// NewRegistry creates an empty registry. onTransition may be nil.
func NewRegistry(onTransition TransitionFunc) *Registry {
	return &Registry{hosts: make(map[string]*hostBreaker), onTransition: onTransition}
}

// Allow decides whether a call to hostKey may proceed. On admission it
// returns a done callback the caller must invoke exactly once with the call's
// outcome; the callback knows whether the call held a half-open trial slot.
// When the breaker is open (and no trial slot is available) it returns a
// CIRCUIT_OPEN failure and no network attempt must be made.
func (r *Registry) Allow(hostKey string, s Settings) (func(success bool), error) {
	hb := r.host(hostKey, s)

	hb.mu.Lock()
	switch hb.status {
	case StateClosed:
		hb.mu.Unlock()
		return func(success bool) { r.recordClosed(hostKey, hb, success) }, nil

	case StateOpen:
		if time.Since(hb.openedAt) < hb.settings.Cooldown {
			hb.mu.Unlock()
			return nil, types.NewError(types.KindCircuitOpen,
				fmt.Sprintf("circuit open for %s", hostKey))
		}
		// Cooldown elapsed: this call becomes the first half-open trial.
		hb.status = StateHalfOpen
		hb.successes = 0
		hb.trials = 1
		hb.mu.Unlock()
		r.notify(hostKey, StateOpen, StateHalfOpen)
		return func(success bool) { r.recordTrial(hostKey, hb, success) }, nil

	case StateHalfOpen:
		if hb.trials >= hb.settings.HalfOpenMaxTrials {
			hb.mu.Unlock()
			return nil, types.NewError(types.KindCircuitOpen,
				fmt.Sprintf("circuit half-open for %s, trial slots exhausted", hostKey))
		}
		hb.trials++
		hb.mu.Unlock()
		return func(success bool) { r.recordTrial(hostKey, hb, success) }, nil
	}

	hb.mu.Unlock()
	return nil, types.NewError(types.KindCircuitOpen, fmt.Sprintf("circuit in unknown state for %s", hostKey))
}

// recordClosed applies the outcome of a call admitted while CLOSED. Outcomes
// landing after the breaker has already moved on are discarded so a stale
// success cannot mask a fresh OPEN.
func (r *Registry) recordClosed(hostKey string, hb *hostBreaker, success bool) {
	hb.mu.Lock()
	if hb.status != StateClosed {
		hb.mu.Unlock()
		return
	}
	if success {
		hb.failures = 0
		hb.mu.Unlock()
		return
	}
	hb.failures++
	if hb.failures >= hb.settings.FailureThreshold {
		hb.status = StateOpen
		hb.openedAt = time.Now()
		hb.mu.Unlock()
		r.notify(hostKey, StateClosed, StateOpen)
		return
	}
	hb.mu.Unlock()
}

// recordTrial applies the outcome of a half-open trial call.
func (r *Registry) recordTrial(hostKey string, hb *hostBreaker, success bool) {
	hb.mu.Lock()
	if hb.trials > 0 {
		hb.trials--
	}
	if hb.status != StateHalfOpen {
		hb.mu.Unlock()
		return
	}
	if !success {
		hb.status = StateOpen
		hb.openedAt = time.Now()
		hb.successes = 0
		hb.trials = 0
		hb.mu.Unlock()
		r.notify(hostKey, StateHalfOpen, StateOpen)
		return
	}
	hb.successes++
	if hb.successes >= hb.settings.SuccessThreshold {
		hb.status = StateClosed
		hb.failures = 0
		hb.successes = 0
		hb.openedAt = time.Time{}
		hb.trials = 0
		hb.mu.Unlock()
		r.notify(hostKey, StateHalfOpen, StateClosed)
		return
	}
	hb.mu.Unlock()
}

func (r *Registry) host(hostKey string, s Settings) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb, ok := r.hosts[hostKey]; ok {
		return hb
	}
	hb := &hostBreaker{settings: s.withDefaults(), status: StateClosed}
	r.hosts[hostKey] = hb
	return hb
}

func (r *Registry) notify(hostKey string, from, to State) {
	if r.onTransition != nil {
		r.onTransition(hostKey, from, to)
	}
}

// State reports the current status for hostKey without creating a breaker.
func (r *Registry) State(hostKey string) State {
	r.mu.Lock()
	hb, ok := r.hosts[hostKey]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.status
}

// Snapshot reports the current breaker state for one host.
func (r *Registry) Snapshot(hostKey string) (Snapshot, bool) {
	r.mu.Lock()
	hb, ok := r.hosts[hostKey]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	hb.mu.Lock()
	defer hb.mu.Unlock()
	snap := Snapshot{
		HostKey:              hostKey,
		State:                hb.status.String(),
		ConsecutiveFailures:  hb.failures,
		ConsecutiveSuccesses: hb.successes,
		TrialsInFlight:       hb.trials,
	}
	if !hb.openedAt.IsZero() {
		snap.OpenedAt = hb.openedAt
		snap.OpenAge = time.Since(hb.openedAt).Round(time.Millisecond).String()
	}
	return snap, true
}

// Hosts lists every host with a live breaker.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}
