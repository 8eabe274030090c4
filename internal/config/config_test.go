package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	doc := `
fetch:
  timeout: 3s
  user_agent: "custom-agent/2.0"
  host_denylist: [".Evil.example", "evil.example", "nip.io"]
rate_limit:
  per_second: 0.5
  burst: 1
  max_wait: 20s
logging:
  level: debug
  structured: false
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Fetch.Timeout.Duration != 3*time.Second {
		t.Errorf("timeout = %s", cfg.Fetch.Timeout)
	}
	if cfg.Fetch.UserAgent != "custom-agent/2.0" {
		t.Errorf("user_agent = %q", cfg.Fetch.UserAgent)
	}
	// Untouched sections keep their defaults.
	if cfg.Fetch.MaxRedirects != 5 || cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
	if cfg.RateLimit.MaxWait.Duration != 20*time.Second {
		t.Errorf("max_wait = %s", cfg.RateLimit.MaxWait)
	}
	// Denylist entries are lowercased, trimmed of leading dots, deduped.
	want := []string{"evil.example", "nip.io"}
	if len(cfg.Fetch.HostDenylist) != len(want) {
		t.Fatalf("denylist = %v", cfg.Fetch.HostDenylist)
	}
	for i, v := range want {
		if cfg.Fetch.HostDenylist[i] != v {
			t.Errorf("denylist[%d] = %q, want %q", i, cfg.Fetch.HostDenylist[i], v)
		}
	}
}

func TestDurationDecoding(t *testing.T) {
	doc := "fetch:\n  timeout: 45\nrate_limit:\n  max_wait: 1.5\n"
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	// Bare numbers decode as seconds.
	if cfg.Fetch.Timeout.Duration != 45*time.Second {
		t.Errorf("timeout = %s, want 45s", cfg.Fetch.Timeout)
	}
	if cfg.RateLimit.MaxWait.Duration != 1500*time.Millisecond {
		t.Errorf("max_wait = %s, want 1.5s", cfg.RateLimit.MaxWait)
	}
	if _, err := LoadFromReader(strings.NewReader("fetch:\n  timeout: soon\n")); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("fetch:\n  tiemout: 3s\n")); err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Fetch.Timeout = Duration{} }},
		{"empty user agent", func(c *Config) { c.Fetch.UserAgent = " " }},
		{"negative redirects", func(c *Config) { c.Fetch.MaxRedirects = -1 }},
		{"negative rate", func(c *Config) { c.RateLimit.PerSecond = -1 }},
		{"zero failure threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{"robots without agent", func(c *Config) { c.Robots.Respect = true; c.Robots.UserAgent = "" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestApplyEnvAndUserAgent(t *testing.T) {
	t.Setenv("FETCHD_STATS_ADDR", "127.0.0.1:9999")
	t.Setenv("FETCHD_UA_SUFFIX", "(+https://ops.example/contact)")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Stats.Addr != "127.0.0.1:9999" {
		t.Errorf("stats addr = %q", cfg.Stats.Addr)
	}
	want := "edgescraper-fetch/1.0 (+https://ops.example/contact)"
	if got := cfg.EffectiveUserAgent(); got != want {
		t.Errorf("user agent = %q, want %q", got, want)
	}
}
