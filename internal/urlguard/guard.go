// Package urlguard restricts candidate URLs to safe schemes and hosts before
// any socket is opened. It inspects literal addresses and hostnames only; it
// performs no I/O and no DNS resolution, so it is safe to re-run on every
// redirect hop.
package urlguard

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// blockedV4 covers loopback, RFC1918, link-local, "this network", CGNAT, and
// IETF benchmarking ranges.
var blockedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
}

// blockedV6 covers loopback, link-local, unique-local, and the documentation
// ranges. IPv4-mapped/compatible literals are unwrapped separately.
var blockedV6 = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("3fff::/20"),
}

var internalSuffixes = []string{".localhost", ".local", ".internal", ".intranet"}

// Guard validates candidate URLs against the configured denylist.
type Guard struct {
	denylist []string
}

// New builds a guard. Denylist entries are hostname suffixes matched exactly
// or as parent domains; they are normalised to lowercase without a leading dot.
func New(denylist []string) *Guard {
	cleaned := make([]string, 0, len(denylist))
	for _, entry := range denylist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		entry = strings.TrimPrefix(entry, ".")
		if entry != "" {
			cleaned = append(cleaned, entry)
		}
	}
	return &Guard{denylist: cleaned}
}

// Validate parses raw and enforces the scheme and host restrictions. The
// returned URL is only ever constructed from input that passed every check.
func (g *Guard) Validate(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidURL, fmt.Sprintf("parse %q", raw), err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, types.NewError(types.KindInvalidScheme, fmt.Sprintf("scheme %q is not allowed", parsed.Scheme))
	}

	host := normaliseHost(parsed.Hostname())
	if host == "" {
		return nil, types.NewError(types.KindInvalidURL, fmt.Sprintf("url %q has no host", raw))
	}
	if reason := g.blockedReason(host); reason != "" {
		return nil, types.NewError(types.KindBlockedHost, fmt.Sprintf("host %q is blocked: %s", host, reason))
	}
	return parsed, nil
}

func (g *Guard) blockedReason(host string) string {
	if host == "localhost" || host == "ip6-localhost" {
		return "localhost"
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "internal-only suffix " + suffix
		}
	}
	for _, entry := range g.denylist {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return "denylisted suffix " + entry
		}
	}
	if isBareNumeric(host) {
		return "bare numeric host"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return "restricted address range"
		}
	}
	return ""
}

func blockedAddr(addr netip.Addr) bool {
	// Prefix.Contains never matches a zoned address, so fe80::1%eth0 would
	// slip past every v6 range check. The zone is irrelevant to which range
	// the address sits in; strip it before comparing.
	addr = addr.WithZone("")
	if addr.Is4() || addr.Is4In6() {
		return blockedV4Addr(addr.Unmap())
	}
	// IPv4-compatible (::a.b.c.d) embeds the IPv4 in the low 32 bits with a
	// zero prefix; unwrap and re-check so hex-quad embeddings are caught too.
	if embedded, ok := compatibleV4(addr); ok {
		return blockedV4Addr(embedded)
	}
	for _, prefix := range blockedV6 {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func blockedV4Addr(addr netip.Addr) bool {
	for _, prefix := range blockedV4 {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func compatibleV4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	raw := addr.As16()
	for _, b := range raw[:12] {
		if b != 0 {
			return netip.Addr{}, false
		}
	}
	embedded := netip.AddrFrom4([4]byte{raw[12], raw[13], raw[14], raw[15]})
	// ::/128 and ::1/128 are handled as plain IPv6, not as embeddings.
	if embedded == netip.AddrFrom4([4]byte{0, 0, 0, 0}) || embedded == netip.AddrFrom4([4]byte{0, 0, 0, 1}) {
		return netip.Addr{}, false
	}
	return embedded, true
}

func isBareNumeric(host string) bool {
	if host == "" || strings.Contains(host, ".") || strings.Contains(host, ":") {
		return false
	}
	for _, r := range host {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normaliseHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ".")
}

// HostKey returns the normalised identifier that partitions per-host state:
// the lowercase hostname, plus the port when it is not the scheme default.
// All paths and queries on one physical host share one key.
func HostKey(u *url.URL) string {
	host := normaliseHost(u.Hostname())
	port := u.Port()
	if port == "" {
		return host
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}
