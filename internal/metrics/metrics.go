// Package metrics is the aggregation sink for fetch outcomes. It keeps
// lifetime counters plus a bounded rolling window per host and puts no
// back-pressure on the fetch path: writes take a short per-host lock and
// reads work on copies.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow bounds the rolling sample window.
const DefaultWindow = 5 * time.Minute

// maxWindowSamples caps memory per host regardless of traffic volume.
const maxWindowSamples = 4096

type sample struct {
	at      time.Time
	latency time.Duration
	class   string
}

// LatencySummary reduces the window's latency samples.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// RateLimitSummary aggregates limiter events for one host.
type RateLimitSummary struct {
	Waits     int64   `json:"waits"`
	AvgWaitMs float64 `json:"avg_wait_ms"`
	Timeouts  int64   `json:"timeouts"`
}

// Snapshot is a point-in-time view of one host's metrics.
type Snapshot struct {
	HostKey            string           `json:"host_key"`
	TotalByClass       map[string]int64 `json:"total_by_class"`
	WindowByClass      map[string]int64 `json:"window_by_class"`
	Latency            LatencySummary   `json:"latency"`
	RateLimit          RateLimitSummary `json:"rate_limit"`
	CircuitTransitions map[string]int64 `json:"circuit_transitions,omitempty"`
	Retries            map[string]int64 `json:"retries,omitempty"`
}

type hostMetrics struct {
	mu sync.Mutex

	totalByClass map[string]int64
	samples      []sample

	rateLimitWaits    int64
	rateLimitWaitSum  time.Duration
	rateLimitTimeouts int64

	transitions map[string]int64
	retries     map[string]int64
}

// Recorder aggregates per-host fetch telemetry. One per engine instance.
type Recorder struct {
	window time.Duration

	mu    sync.Mutex
	hosts map[string]*hostMetrics
}

// NewRecorder creates a recorder with the given rolling window (DefaultWindow
// when zero).
func NewRecorder(window time.Duration) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{window: window, hosts: make(map[string]*hostMetrics)}
}

// RecordRequest records one completed request by status class and latency.
func (r *Recorder) RecordRequest(hostKey string, statusClass string, latency time.Duration) {
	hm := r.host(hostKey)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.totalByClass[statusClass]++
	hm.samples = append(hm.samples, sample{at: time.Now(), latency: latency, class: statusClass})
	hm.prune(r.window)
}

// RecordRateLimitWait records a reservation wait.
func (r *Recorder) RecordRateLimitWait(hostKey string, wait time.Duration) {
	hm := r.host(hostKey)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rateLimitWaits++
	hm.rateLimitWaitSum += wait
}

// RecordRateLimitTimeout records a reservation that gave up waiting.
func (r *Recorder) RecordRateLimitTimeout(hostKey string) {
	hm := r.host(hostKey)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rateLimitTimeouts++
}

// RecordRetry records a caller-initiated retry and its reason. The fetch
// engine itself never retries; this feeds summaries for callers that do.
func (r *Recorder) RecordRetry(hostKey string, reason string) {
	hm := r.host(hostKey)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.retries[reason]++
}

// RecordTransition records a circuit breaker state change.
func (r *Recorder) RecordTransition(hostKey string, from, to string) {
	hm := r.host(hostKey)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.transitions[from+">"+to]++
}

func (r *Recorder) host(hostKey string) *hostMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hm, ok := r.hosts[hostKey]; ok {
		return hm
	}
	hm := &hostMetrics{
		totalByClass: make(map[string]int64),
		transitions:  make(map[string]int64),
		retries:      make(map[string]int64),
	}
	r.hosts[hostKey] = hm
	return hm
}

// prune drops samples outside the window and enforces the memory cap.
// Caller holds hm.mu.
func (hm *hostMetrics) prune(window time.Duration) {
	cutoff := time.Now().Add(-window)
	idx := 0
	for idx < len(hm.samples) && hm.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		hm.samples = append(hm.samples[:0], hm.samples[idx:]...)
	}
	if len(hm.samples) > maxWindowSamples {
		hm.samples = append(hm.samples[:0], hm.samples[len(hm.samples)-maxWindowSamples:]...)
	}
}

// Snapshot reports current metrics for one host.
func (r *Recorder) Snapshot(hostKey string) (Snapshot, bool) {
	r.mu.Lock()
	hm, ok := r.hosts[hostKey]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	hm.mu.Lock()
	hm.prune(r.window)
	snap := Snapshot{
		HostKey:       hostKey,
		TotalByClass:  copyCounts(hm.totalByClass),
		WindowByClass: make(map[string]int64),
	}
	latencies := make([]time.Duration, 0, len(hm.samples))
	for _, s := range hm.samples {
		snap.WindowByClass[s.class]++
		latencies = append(latencies, s.latency)
	}
	snap.RateLimit = RateLimitSummary{
		Waits:    hm.rateLimitWaits,
		Timeouts: hm.rateLimitTimeouts,
	}
	if hm.rateLimitWaits > 0 {
		snap.RateLimit.AvgWaitMs = float64(hm.rateLimitWaitSum.Milliseconds()) / float64(hm.rateLimitWaits)
	}
	if len(hm.transitions) > 0 {
		snap.CircuitTransitions = copyCounts(hm.transitions)
	}
	if len(hm.retries) > 0 {
		snap.Retries = copyCounts(hm.retries)
	}
	hm.mu.Unlock()

	snap.Latency = summarise(latencies)
	return snap, true
}

// Hosts lists every host with recorded metrics.
func (r *Recorder) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}

func summarise(latencies []time.Duration) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	return LatencySummary{
		Count: len(latencies),
		AvgMs: ms(sum) / float64(len(latencies)),
		P50Ms: ms(percentile(latencies, 0.50)),
		P95Ms: ms(percentile(latencies, 0.95)),
		P99Ms: ms(percentile(latencies, 0.99)),
	}
}

// percentile picks the nearest-rank value from a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
