// Package api exposes a read-only HTTP surface over the fetch layer's
// per-host telemetry: limiter state, breaker state, and request metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/fetch"
)

// HostStats bundles every per-host view the engine tracks. Sections the host
// has no data for are omitted.
type HostStats struct {
	HostKey   string `json:"host_key"`
	RateLimit any    `json:"rate_limit,omitempty"`
	Circuit   any    `json:"circuit,omitempty"`
	Metrics   any    `json:"metrics,omitempty"`
}

// Server serves fetch telemetry. It never mutates engine state.
type Server struct {
	client *fetch.Client
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(client *fetch.Client, logger *slog.Logger) *Server {
	s := &Server{
		client: client,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats/hosts", s.handleHosts)
	s.mux.HandleFunc("/api/stats/hosts/", s.handleHostByKey)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	keys := s.hostKeys()
	stats := make([]HostStats, 0, len(keys))
	for _, key := range keys {
		stats = append(stats, s.hostStats(key))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHostByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/stats/hosts/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	key, err := url.PathUnescape(trimmed)
	if err != nil {
		http.Error(w, "invalid host key", http.StatusBadRequest)
		return
	}

	stats := s.hostStats(strings.ToLower(key))
	if stats.RateLimit == nil && stats.Circuit == nil && stats.Metrics == nil {
		s.logger.Debug("stats requested for unknown host", "host_key", key)
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// hostKeys merges the hosts each registry has seen. A host may appear in one
// registry but not another, for example when it was blocked before its first
// request ever reserved a token.
func (s *Server) hostKeys() []string {
	seen := make(map[string]struct{})
	for _, key := range s.client.Limiter().Hosts() {
		seen[key] = struct{}{}
	}
	for _, key := range s.client.Breakers().Hosts() {
		seen[key] = struct{}{}
	}
	for _, key := range s.client.Metrics().Hosts() {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) hostStats(key string) HostStats {
	stats := HostStats{HostKey: key}
	if snap, ok := s.client.Limiter().Snapshot(key); ok {
		stats.RateLimit = snap
	}
	if snap, ok := s.client.Breakers().Snapshot(key); ok {
		stats.Circuit = snap
	}
	if snap, ok := s.client.Metrics().Snapshot(key); ok {
		stats.Metrics = snap
	}
	return stats
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
