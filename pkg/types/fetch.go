package types

import (
	"net/http"
	"time"
)

// FetchPolicy bundles the per-request and per-host knobs a caller hands the
// fetch client alongside a URL list.
type FetchPolicy struct {
	Timeout                time.Duration `json:"timeout"`
	MaxRedirects           int           `json:"max_redirects"`
	MaxBodyBytes           int64         `json:"max_body_bytes"`
	BlockProtocolDowngrade bool          `json:"block_protocol_downgrade"`
	HostDenylist           []string      `json:"host_denylist,omitempty"`

	RateLimitPerSecond float64       `json:"rate_limit_per_second"`
	RateLimitBurst     int           `json:"rate_limit_burst"`
	RateLimitMaxWait   time.Duration `json:"rate_limit_max_wait"`

	CircuitFailureThreshold  int           `json:"circuit_failure_threshold"`
	CircuitSuccessThreshold  int           `json:"circuit_success_threshold"`
	CircuitCooldown          time.Duration `json:"circuit_cooldown"`
	CircuitHalfOpenMaxTrials int           `json:"circuit_half_open_max_trials"`
	CircuitBreakOn4xx        bool          `json:"circuit_break_on_4xx"`
}

// RedirectHop records a single step in a redirect chain.
type RedirectHop struct {
	Status   int    `json:"status"`
	Location string `json:"location"`
	Resolved string `json:"resolved"`
}

// Outcome is the caller-owned result of one logical fetch. Upstream HTTP
// status codes, including 4xx and 5xx, are data here, not errors.
type Outcome struct {
	FinalURL      string        `json:"final_url"`
	Status        int           `json:"status"`
	Headers       http.Header   `json:"-"`
	Body          []byte        `json:"-"`
	BytesRead     int64         `json:"bytes_read"`
	RedirectChain []RedirectHop `json:"redirect_chain,omitempty"`
	Latency       time.Duration `json:"latency"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// StatusClass groups an HTTP status into "2xx".."5xx" buckets.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}
