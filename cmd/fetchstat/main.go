// Command fetchstat queries a running fetchd stats API and prints a per-host
// table of limiter, breaker, and request telemetry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/breaker"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/metrics"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/ratelimit"
)

// hostStats mirrors the stats API payload with concrete section types.
type hostStats struct {
	HostKey   string              `json:"host_key"`
	RateLimit *ratelimit.Snapshot `json:"rate_limit"`
	Circuit   *breaker.Snapshot   `json:"circuit"`
	Metrics   *metrics.Snapshot   `json:"metrics"`
}

func main() {
	baseURL := flag.String("addr", "http://127.0.0.1:8090", "Base URL of the fetchd stats API")
	host := flag.String("host", "", "Show one host instead of all")
	asJSON := flag.Bool("json", false, "Print raw JSON instead of a table")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	endpoint := *baseURL + "/api/stats/hosts"
	if *host != "" {
		endpoint += "/" + url.PathEscape(*host)
	}

	resp, err := client.Get(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "stats request failed: %s\n", resp.Status)
		os.Exit(1)
	}

	var hosts []hostStats
	if *host != "" {
		var single hostStats
		if err := json.NewDecoder(resp.Body).Decode(&single); err != nil {
			fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
			os.Exit(1)
		}
		hosts = []hostStats{single}
	} else if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(hosts); err != nil {
			fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printTable(hosts)
}

func printTable(hosts []hostStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATE\tTOKENS\tWAITERS\t2XX\t4XX\t5XX\tP95 MS")
	for _, h := range hosts {
		state, tokens, waiters := "-", "-", "-"
		if h.Circuit != nil {
			state = h.Circuit.State
		}
		if h.RateLimit != nil {
			tokens = fmt.Sprintf("%.1f/%d", h.RateLimit.AvailableTokens, h.RateLimit.Capacity)
			waiters = fmt.Sprintf("%d", h.RateLimit.PendingWaiters)
		}
		var c2, c4, c5 int64
		p95 := "-"
		if h.Metrics != nil {
			c2 = h.Metrics.TotalByClass["2xx"]
			c4 = h.Metrics.TotalByClass["4xx"]
			c5 = h.Metrics.TotalByClass["5xx"]
			p95 = fmt.Sprintf("%.0f", h.Metrics.Latency.P95Ms)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			h.HostKey, state, tokens, waiters, c2, c4, c5, p95)
	}
	w.Flush()
}
