package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the fetch engine.
type Config struct {
	Fetch     FetchConfig     `yaml:"fetch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Robots    RobotsConfig    `yaml:"robots"`
	Worker    WorkerConfig    `yaml:"worker"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// FetchConfig controls per-request behaviour of the fetch client.
type FetchConfig struct {
	Timeout                Duration          `yaml:"timeout"`
	MaxBodyBytes           int64             `yaml:"max_body_bytes"`
	MaxRedirects           int               `yaml:"max_redirects"`
	UserAgent              string            `yaml:"user_agent"`
	UserAgentSuffix        string            `yaml:"user_agent_suffix"`
	Headers                map[string]string `yaml:"headers"`
	ProxyURL               string            `yaml:"proxy_url"`
	BlockProtocolDowngrade bool              `yaml:"block_protocol_downgrade"`
	HostDenylist           []string          `yaml:"host_denylist"`
	CircuitBreakOn4xx      bool              `yaml:"circuit_break_on_4xx"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	PerSecond float64  `yaml:"per_second"`
	Burst     int      `yaml:"burst"`
	MaxWait   Duration `yaml:"max_wait"`
}

// CircuitConfig tunes the per-host circuit breaker.
type CircuitConfig struct {
	FailureThreshold  int      `yaml:"failure_threshold"`
	SuccessThreshold  int      `yaml:"success_threshold"`
	Cooldown          Duration `yaml:"cooldown"`
	HalfOpenMaxTrials int      `yaml:"half_open_max_trials"`
}

// RobotsConfig configures the optional robots.txt politeness gate.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// WorkerConfig controls batch fan-out concurrency and queue sizing.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// StatsConfig controls the read-only stats listener. Empty addr disables it.
type StatsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// DefaultDenylist lists hostname suffixes blocked out of the box. The
// wildcard-DNS services resolve arbitrary subdomains to attacker-chosen
// addresses, which sidesteps literal-address checks.
var DefaultDenylist = []string{
	"nip.io",
	"sslip.io",
	"xip.io",
	"localtest.me",
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		Fetch: FetchConfig{
			Timeout:                DurationFrom(10 * time.Second),
			MaxBodyBytes:           5 * 1024 * 1024,
			MaxRedirects:           5,
			UserAgent:              "edgescraper-fetch/1.0",
			Headers:                map[string]string{},
			BlockProtocolDowngrade: true,
			HostDenylist:           append([]string(nil), DefaultDenylist...),
		},
		RateLimit: RateLimitConfig{
			PerSecond: 2,
			Burst:     4,
		},
		Circuit: CircuitConfig{
			FailureThreshold:  5,
			SuccessThreshold:  2,
			Cooldown:          DurationFrom(30 * time.Second),
			HalfOpenMaxTrials: 1,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "edgescraper-fetch/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency: 16,
			QueueSize:   1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv layers environment overrides on top of file configuration.
func (c *Config) ApplyEnv() {
	if addr := strings.TrimSpace(os.Getenv("FETCHD_STATS_ADDR")); addr != "" {
		c.Stats.Addr = addr
	}
	if suffix := strings.TrimSpace(os.Getenv("FETCHD_UA_SUFFIX")); suffix != "" {
		c.Fetch.UserAgentSuffix = suffix
	}
}

// EffectiveUserAgent joins the configured agent with its optional suffix.
func (c Config) EffectiveUserAgent() string {
	ua := strings.TrimSpace(c.Fetch.UserAgent)
	if suffix := strings.TrimSpace(c.Fetch.UserAgentSuffix); suffix != "" {
		ua = ua + " " + suffix
	}
	return ua
}

// Validate enforces required invariants for the fetch engine configuration.
func (c Config) Validate() error {
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0 (got %s)", c.Fetch.Timeout)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0 (got %d)", c.Fetch.MaxRedirects)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must be >= 0 (got %g)", c.RateLimit.PerSecond)
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst must be >= 0 (got %d)", c.RateLimit.Burst)
	}
	if c.RateLimit.MaxWait.Duration < 0 {
		return fmt.Errorf("rate_limit.max_wait must be >= 0 (got %s)", c.RateLimit.MaxWait)
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be > 0 (got %d)", c.Circuit.FailureThreshold)
	}
	if c.Circuit.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit.success_threshold must be > 0 (got %d)", c.Circuit.SuccessThreshold)
	}
	if c.Circuit.Cooldown.Duration <= 0 {
		return fmt.Errorf("circuit.cooldown must be > 0 (got %s)", c.Circuit.Cooldown)
	}
	if c.Circuit.HalfOpenMaxTrials <= 0 {
		return fmt.Errorf("circuit.half_open_max_trials must be > 0 (got %d)", c.Circuit.HalfOpenMaxTrials)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	return nil
}

func (c *Config) normalise() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.UserAgentSuffix = strings.TrimSpace(c.Fetch.UserAgentSuffix)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Stats.Addr = strings.TrimSpace(c.Stats.Addr)

	if c.Fetch.Headers == nil {
		c.Fetch.Headers = map[string]string{}
	}
	if len(c.Fetch.HostDenylist) > 0 {
		c.Fetch.HostDenylist = dedupeLower(c.Fetch.HostDenylist)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		v = strings.TrimPrefix(v, ".")
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.PerSecond > 0
}
