// Package fetch implements the resilient outbound fetch client: URL
// validation, per-host rate limiting and circuit breaking, bounded body
// reads, and redirect handling that re-validates every hop.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/breaker"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/metrics"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/ratelimit"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/urlguard"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// Validator screens candidate URLs before any socket is opened.
type Validator interface {
	Validate(raw string) (*url.URL, error)
}

// Options controls client construction.
type Options struct {
	UserAgent     string
	Headers       map[string]string
	ProxyURL      string
	DefaultPolicy types.FetchPolicy
	Logger        *slog.Logger
	Metrics       *metrics.Recorder

	// Validator overrides the default urlguard built from the policy's
	// denylist. Leave nil outside tests.
	Validator Validator
}

// Client orchestrates logical fetches. It owns the per-host rate-limiter and
// breaker registries, so distinct clients (per tenant, per test) are fully
// isolated and tear down cleanly.
type Client struct {
	transport    *http.Client
	userAgent    string
	extraHeaders map[string]string
	defaults     types.FetchPolicy
	logger       *slog.Logger
	validator    Validator

	limiter  *ratelimit.Registry
	breakers *breaker.Registry
	metrics  *metrics.Recorder
}

// New constructs a fetch client. Redirect following is disabled on the
// transport; the fetch loop resolves hops itself so each one passes back
// through validation.
func New(opts Options) (*Client, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.NewRecorder(0)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	c := &Client{
		transport: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		defaults:     withPolicyDefaults(opts.DefaultPolicy),
		logger:       logger,
		validator:    opts.Validator,
		limiter:      ratelimit.NewRegistry(),
		metrics:      recorder,
	}
	c.breakers = breaker.NewRegistry(func(hostKey string, from, to breaker.State) {
		recorder.RecordTransition(hostKey, from.String(), to.String())
		logger.Info("circuit transition", "host", hostKey, "from", from.String(), "to", to.String())
	})
	return c, nil
}

// Limiter exposes the rate-limiter registry for the stats surface.
func (c *Client) Limiter() *ratelimit.Registry { return c.limiter }

// Breakers exposes the breaker registry for the stats surface.
func (c *Client) Breakers() *breaker.Registry { return c.breakers }

// Metrics exposes the metrics recorder for the stats surface.
func (c *Client) Metrics() *metrics.Recorder { return c.metrics }

// HTTPClient exposes the underlying transport client for reuse (eg. the
// robots.txt agent).
func (c *Client) HTTPClient() *http.Client { return c.transport }

// Fetch performs one logical fetch of rawURL under policy, traversing at most
// policy.MaxRedirects hops. Upstream HTTP statuses, 4xx and 5xx included, are
// data in the returned Outcome; only validation, admission, transport, and
// size failures are errors.
func (c *Client) Fetch(ctx context.Context, rawURL string, policy types.FetchPolicy) (*types.Outcome, error) {
	policy = c.mergePolicy(policy)
	guard := c.validator
	if guard == nil {
		guard = urlguard.New(policy.HostDenylist)
	}

	var chain []types.RedirectHop
	current := rawURL
	start := time.Now()

	for {
		safe, err := guard.Validate(current)
		if err != nil {
			return nil, redirectAware(err, chain)
		}
		hostKey := urlguard.HostKey(safe)

		wait, err := c.limiter.Reserve(ctx, hostKey, ratelimit.Settings{
			PerSecond: policy.RateLimitPerSecond,
			Burst:     policy.RateLimitBurst,
			MaxWait:   policy.RateLimitMaxWait,
		})
		if wait > 0 {
			c.metrics.RecordRateLimitWait(hostKey, wait)
		}
		if err != nil {
			if types.KindOf(err) == types.KindRateLimitTimeout {
				c.metrics.RecordRateLimitTimeout(hostKey)
				return nil, withChain(err, chain)
			}
			return nil, c.mapContextErr(err, hostKey, chain)
		}

		done, err := c.breakers.Allow(hostKey, breaker.Settings{
			FailureThreshold:  policy.CircuitFailureThreshold,
			SuccessThreshold:  policy.CircuitSuccessThreshold,
			Cooldown:          policy.CircuitCooldown,
			HalfOpenMaxTrials: policy.CircuitHalfOpenMaxTrials,
		})
		if err != nil {
			return nil, withChain(err, chain)
		}

		resp, latency, cancelAttempt, err := c.attempt(ctx, safe, policy.Timeout)
		if err != nil {
			cancelAttempt()
			done(false)
			return nil, withChain(err, chain)
		}

		if !isRedirect(resp.StatusCode) {
			outcome, err := c.finish(resp, safe, policy, chain, start, latency)
			cancelAttempt()
			if err != nil {
				done(false)
				return nil, withChain(err, chain)
			}
			done(breakerSuccess(resp.StatusCode, policy))
			c.metrics.RecordRequest(hostKey, types.StatusClass(resp.StatusCode), latency)
			return outcome, nil
		}

		// A redirect response proves the host is up: breaker success.
		done(true)
		c.metrics.RecordRequest(hostKey, types.StatusClass(resp.StatusCode), latency)

		next, hopErr := c.nextHop(resp, safe, policy, chain)
		drainAndClose(resp.Body)
		cancelAttempt()
		if hopErr != nil {
			return nil, hopErr
		}
		chain = append(chain, types.RedirectHop{
			Status:   resp.StatusCode,
			Location: resp.Header.Get("Location"),
			Resolved: next,
		})
		current = next
	}
}

// attempt issues one transport call bounded by the per-attempt timeout. The
// returned cancel must be called once the response body is fully consumed;
// it also aborts any in-progress body read.
func (c *Client) attempt(ctx context.Context, target *url.URL, timeout time.Duration) (*http.Response, time.Duration, context.CancelFunc, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, 0, cancel, types.WrapError(types.KindInvalidURL, "build request", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}

	attemptStart := time.Now()
	resp, err := c.transport.Do(req)
	latency := time.Since(attemptStart)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, latency, cancel, types.WrapError(types.KindTimeout,
				fmt.Sprintf("request to %s exceeded %s", target.Hostname(), timeout), err)
		}
		return nil, latency, cancel, types.WrapError(types.KindTransport,
			fmt.Sprintf("request to %s failed", target.Hostname()), err)
	}
	return resp, latency, cancel, nil
}

// finish reads a terminal response through the bounded reader and assembles
// the outcome.
func (c *Client) finish(resp *http.Response, final *url.URL, policy types.FetchPolicy, chain []types.RedirectHop, start time.Time, latency time.Duration) (*types.Outcome, error) {
	body, bytesRead, err := readResponseBody(resp, policy.MaxBodyBytes)
	if err != nil {
		// Closing the body cancels the in-flight stream read.
		resp.Body.Close()
		if types.KindOf(err) == types.KindSizeLimit {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.WrapError(types.KindTimeout, "body read timed out", err)
		}
		return nil, types.WrapError(types.KindTransport, "body read failed", err)
	}
	resp.Body.Close()

	return &types.Outcome{
		FinalURL:      final.String(),
		Status:        resp.StatusCode,
		Headers:       resp.Header.Clone(),
		Body:          body,
		BytesRead:     bytesRead,
		RedirectChain: chain,
		Latency:       time.Since(start),
		FetchedAt:     time.Now(),
	}, nil
}

// nextHop resolves and polices the redirect target. The returned string is
// re-validated at the top of the loop, which also converts blocked targets
// into BLOCKED_HOST_REDIRECT.
func (c *Client) nextHop(resp *http.Response, current *url.URL, policy types.FetchPolicy, chain []types.RedirectHop) (string, error) {
	if len(chain) >= policy.MaxRedirects {
		return "", &types.FetchError{
			Kind:    types.KindTooManyRedirects,
			Message: fmt.Sprintf("redirect chain exceeded %d hops", policy.MaxRedirects),
			Chain:   chain,
		}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &types.FetchError{
			Kind:    types.KindRedirectNoLocation,
			Message: fmt.Sprintf("status %d without Location header", resp.StatusCode),
			Chain:   chain,
		}
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", &types.FetchError{
			Kind:    types.KindInvalidURL,
			Message: fmt.Sprintf("unparseable Location %q", location),
			Chain:   chain,
			Err:     err,
		}
	}
	resolved := current.ResolveReference(ref)
	if policy.BlockProtocolDowngrade &&
		strings.EqualFold(current.Scheme, "https") && strings.EqualFold(resolved.Scheme, "http") {
		return "", &types.FetchError{
			Kind:    types.KindDowngradeBlocked,
			Message: fmt.Sprintf("redirect downgrades https://%s to %s", current.Host, resolved),
			Chain:   chain,
		}
	}
	return resolved.String(), nil
}

func (c *Client) mapContextErr(err error, hostKey string, chain []types.RedirectHop) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return withChain(types.WrapError(types.KindTimeout,
			fmt.Sprintf("deadline expired while waiting for %s", hostKey), err), chain)
	}
	return fmt.Errorf("reservation for %s aborted: %w", hostKey, err)
}

func (c *Client) mergePolicy(p types.FetchPolicy) types.FetchPolicy {
	d := c.defaults
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MaxRedirects <= 0 {
		p.MaxRedirects = d.MaxRedirects
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = d.MaxBodyBytes
	}
	if p.HostDenylist == nil {
		p.HostDenylist = d.HostDenylist
	}
	if p.RateLimitPerSecond == 0 {
		p.RateLimitPerSecond = d.RateLimitPerSecond
	}
	if p.RateLimitBurst <= 0 {
		p.RateLimitBurst = d.RateLimitBurst
	}
	if p.RateLimitMaxWait <= 0 {
		p.RateLimitMaxWait = d.RateLimitMaxWait
	}
	if p.CircuitFailureThreshold <= 0 {
		p.CircuitFailureThreshold = d.CircuitFailureThreshold
	}
	if p.CircuitSuccessThreshold <= 0 {
		p.CircuitSuccessThreshold = d.CircuitSuccessThreshold
	}
	if p.CircuitCooldown <= 0 {
		p.CircuitCooldown = d.CircuitCooldown
	}
	if p.CircuitHalfOpenMaxTrials <= 0 {
		p.CircuitHalfOpenMaxTrials = d.CircuitHalfOpenMaxTrials
	}
	return p
}

func withPolicyDefaults(p types.FetchPolicy) types.FetchPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.MaxRedirects <= 0 {
		p.MaxRedirects = 5
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 5 * 1024 * 1024
	}
	if p.CircuitFailureThreshold <= 0 {
		p.CircuitFailureThreshold = 5
	}
	if p.CircuitSuccessThreshold <= 0 {
		p.CircuitSuccessThreshold = 2
	}
	if p.CircuitCooldown <= 0 {
		p.CircuitCooldown = 30 * time.Second
	}
	if p.CircuitHalfOpenMaxTrials <= 0 {
		p.CircuitHalfOpenMaxTrials = 1
	}
	return p
}

// breakerSuccess implements the status-to-breaker mapping: 5xx signals an
// unhealthy host, 4xx means the host is up and rejecting, unless the policy
// opts 4xx into failure counting.
func breakerSuccess(status int, policy types.FetchPolicy) bool {
	class := types.StatusClass(status)
	if class == "5xx" {
		return false
	}
	if class == "4xx" && policy.CircuitBreakOn4xx {
		return false
	}
	return true
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectAware upgrades a BLOCKED_HOST from a redirect target into
// BLOCKED_HOST_REDIRECT and attaches the chain walked so far.
func redirectAware(err error, chain []types.RedirectHop) error {
	var fe *types.FetchError
	if errors.As(err, &fe) && len(chain) > 0 && fe.Kind == types.KindBlockedHost {
		return &types.FetchError{
			Kind:    types.KindBlockedHostRedirect,
			Message: fe.Message,
			Chain:   chain,
			Err:     fe.Err,
		}
	}
	return withChain(err, chain)
}

// withChain attaches the partial redirect chain to a typed failure.
func withChain(err error, chain []types.RedirectHop) error {
	if len(chain) == 0 {
		return err
	}
	var fe *types.FetchError
	if errors.As(err, &fe) && fe.Chain == nil {
		fe.Chain = chain
	}
	return err
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4*1024))
	_ = body.Close()
}
