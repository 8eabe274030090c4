// Package batch fans a list of URLs out over the fetch client and reduces
// the per-URL results into a summary whose failures are bucketed by stable
// error kind, so a ten-thousand-URL job reports "873 BLOCKED_HOST, 12
// TIMEOUT" instead of an undifferentiated error count.
package batch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/fetch"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/robots"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/urlguard"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// unknownKind buckets failures that did not come from the fetch layer.
const unknownKind = "UNKNOWN"

// robotsKind buckets URLs skipped by the politeness gate.
const robotsKind = "ROBOTS_DISALLOWED"

// Result is the per-URL record in a run summary.
type Result struct {
	URL       string         `json:"url"`
	Status    int            `json:"status,omitempty"`
	FinalURL  string         `json:"final_url,omitempty"`
	BytesRead int64          `json:"bytes_read,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Outcome   *types.Outcome `json:"-"`
}

// Summary aggregates one batch run. Failed splits into permanent failures,
// which retrying can never fix, and retryable ones worth another pass.
type Summary struct {
	RunID             string         `json:"run_id"`
	StartedAt         time.Time      `json:"started_at"`
	DurationMs        int64          `json:"duration_ms"`
	Total             int            `json:"total"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	PermanentFailures int            `json:"permanent_failures"`
	RetryableFailures int            `json:"retryable_failures"`
	ByStatusClass     map[string]int `json:"by_status_class"`
	ByErrorKind       map[string]int `json:"by_error_kind"`
	Results           []Result       `json:"results"`
}

// WriteJSON dumps the summary for downstream tooling.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Options configures a Runner.
type Options struct {
	Concurrency int
	QueueSize   int
	Policy      types.FetchPolicy
	Robots      *robots.Agent // nil disables the politeness gate
	Logger      *slog.Logger
}

// Runner executes batch runs against one fetch client.
type Runner struct {
	client      *fetch.Client
	robots      *robots.Agent
	policy      types.FetchPolicy
	concurrency int
	queueSize   int
	logger      *slog.Logger
}

// NewRunner builds a runner around an existing fetch client.
func NewRunner(client *fetch.Client, opts Options) *Runner {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		client:      client,
		robots:      opts.Robots,
		policy:      opts.Policy,
		concurrency: concurrency,
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Run fetches every URL and reduces the outcomes. Result order matches the
// input order. The run keeps going through per-URL failures; only context
// cancellation aborts it early.
func (r *Runner) Run(ctx context.Context, urls []string) (*Summary, error) {
	started := time.Now()
	summary := &Summary{
		RunID:         uuid.NewString(),
		StartedAt:     started,
		Total:         len(urls),
		ByStatusClass: make(map[string]int),
		ByErrorKind:   make(map[string]int),
		Results:       make([]Result, len(urls)),
	}
	if len(urls) == 0 {
		return summary, nil
	}

	pool, err := newWorkerPool(ctx, r.concurrency, r.queueSize)
	if err != nil {
		return nil, err
	}
	defer pool.close()

	var wg sync.WaitGroup
	for i, raw := range urls {
		i, raw := i, raw
		wg.Add(1)
		if err := pool.submit(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			summary.Results[i] = r.fetchOne(taskCtx, raw)
		}); err != nil {
			wg.Done()
			summary.Results[i] = Result{URL: raw, ErrorKind: unknownKind, Error: err.Error()}
		}
	}
	wg.Wait()

	for i := range summary.Results {
		res := &summary.Results[i]
		if res.ErrorKind != "" {
			summary.Failed++
			summary.ByErrorKind[res.ErrorKind]++
			if res.ErrorKind == robotsKind || types.ErrorKind(res.ErrorKind).Permanent() {
				summary.PermanentFailures++
			} else {
				summary.RetryableFailures++
			}
			continue
		}
		summary.Succeeded++
		summary.ByStatusClass[types.StatusClass(res.Status)]++
	}
	summary.DurationMs = time.Since(started).Milliseconds()

	r.logger.Info("batch run finished",
		"run_id", summary.RunID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration_ms", summary.DurationMs,
	)
	return summary, ctx.Err()
}

func (r *Runner) fetchOne(ctx context.Context, raw string) Result {
	target := raw
	// Schemeless entries get https first with a plain-http fallback on
	// connection failure, since many older listings only serve http.
	fallback := ""
	if !strings.Contains(raw, "://") {
		target = "https://" + raw
		fallback = "http://" + raw
	}

	if r.robots != nil {
		if parsed, err := url.Parse(target); err == nil {
			if !r.robots.Allowed(ctx, parsed) {
				r.logger.Debug("blocked by robots", "url", raw)
				return Result{URL: raw, ErrorKind: robotsKind, Error: "disallowed by robots.txt"}
			}
		}
	}

	outcome, err := r.client.Fetch(ctx, target, r.policy)
	if err != nil && fallback != "" && types.KindOf(err) == types.KindTransport && ctx.Err() == nil {
		if parsed, perr := url.Parse(fallback); perr == nil {
			r.client.Metrics().RecordRetry(urlguard.HostKey(parsed), "scheme_fallback")
		}
		r.logger.Debug("https unreachable, retrying over http", "url", raw)
		outcome, err = r.client.Fetch(ctx, fallback, r.policy)
	}
	if err != nil {
		kind := string(types.KindOf(err))
		if kind == "" {
			kind = unknownKind
		}
		r.logger.Warn("fetch failed", "url", raw, "kind", kind, "error", err)
		return Result{URL: raw, ErrorKind: kind, Error: err.Error()}
	}

	return Result{
		URL:       raw,
		Status:    outcome.Status,
		FinalURL:  outcome.FinalURL,
		BytesRead: outcome.BytesRead,
		LatencyMs: outcome.Latency.Milliseconds(),
		Outcome:   outcome,
	}
}
