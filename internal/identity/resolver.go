// Package identity maps inbound requests to stable client identities.
// An identity is the unit of accounting and blocking: the direct peer
// address of the connection, plus (behind trusted proxies) the end-client
// address recovered from the X-Forwarded-For header.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/nodegate/nodegate/internal/config"
)

// ErrResolutionFailed is returned when the forwarded-for header is absent or
// has fewer entries than the configured hop count allows. The caller decides
// what to do with it per the on_resolve_failure policy.
var ErrResolutionFailed = errors.New("client identity resolution failed")

// Resolution is the identity pair extracted from one request. Direct is
// always the socket peer address. Proxied is the end-client address behind
// the trusted proxy chain; it is the zero Addr when no proxied identity was
// resolved (socketaddr mode, diagnostic mode, or fallback after failure).
type Resolution struct {
	Direct  netip.Addr
	Proxied netip.Addr
}

// HasProxied reports whether a trusted proxied identity was resolved.
func (r Resolution) HasProxied() bool { return r.Proxied.IsValid() }

// Resolver extracts a Resolution from an HTTP request according to the
// configured client identity source.
type Resolver struct {
	source    config.ClientIDSource
	hops      int
	onFailure config.ResolveFailurePolicy
	logger    *slog.Logger
}

// NewResolver builds a Resolver from the policy configuration.
func NewResolver(cfg config.PolicyConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		source:    cfg.ClientIDSource,
		hops:      cfg.ForwardedForHops,
		onFailure: cfg.OnResolveFailure,
		logger:    logger.With("component", "identity"),
	}
}

// Resolve returns exactly one Resolution for the request, or
// ErrResolutionFailed when the forwarded-for header cannot be trusted and
// the failure policy is reject. With fallback-socket the socket identity is
// returned instead and no error is reported.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	direct, err := peerAddr(req.RemoteAddr)
	if err != nil {
		return Resolution{}, fmt.Errorf("parsing peer address %q: %w", req.RemoteAddr, err)
	}

	if r.source != config.ClientIDForwardedFor {
		return Resolution{Direct: direct}, nil
	}

	entries := forwardedEntries(req)

	// Hop count zero is a bootstrapping diagnostic: log the verbatim header
	// so an operator can count hops against a known client, but make no
	// trust decision.
	if r.hops == 0 {
		r.logger.Info("x-forwarded-for diagnostic",
			"peer", direct.String(),
			"header", strings.Join(req.Header.Values("X-Forwarded-For"), ","),
		)
		return Resolution{Direct: direct}, nil
	}

	// Entries are ordered left = farthest from the node. The trusted client
	// sits hops entries in from the right; everything to its right was
	// appended by our own proxy layer, everything to its left by the client
	// and is attacker-controlled.
	idx := len(entries) - 1 - r.hops
	if idx < 0 {
		return r.failed(direct, len(entries))
	}

	proxied, perr := parseForwardedEntry(entries[idx])
	if perr != nil {
		r.logger.Warn("unparseable x-forwarded-for entry",
			"peer", direct.String(), "entry", entries[idx], "error", perr)
		return r.failed(direct, len(entries))
	}

	return Resolution{Direct: direct, Proxied: proxied}, nil
}

// failed applies the configured resolution-failure policy.
func (r *Resolver) failed(direct netip.Addr, entries int) (Resolution, error) {
	if r.onFailure == config.ResolveFailureFallbackSocket {
		r.logger.Warn("forwarded-for resolution failed, falling back to socket identity",
			"peer", direct.String(), "entries", entries, "hops", r.hops)
		return Resolution{Direct: direct}, nil
	}
	return Resolution{}, fmt.Errorf("%w: %d forwarded-for entries, need more than %d hops",
		ErrResolutionFailed, entries, r.hops)
}

// forwardedEntries returns all X-Forwarded-For entries across repeated
// header lines, in order, with surrounding whitespace trimmed. Empty
// entries are dropped.
func forwardedEntries(req *http.Request) []string {
	var out []string
	for _, line := range req.Header.Values("X-Forwarded-For") {
		for _, e := range strings.Split(line, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}

// peerAddr parses an http.Request RemoteAddr ("ip:port") into an address.
// Bare IPs (some custom listeners) are accepted too.
func peerAddr(remoteAddr string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

// parseForwardedEntry parses one forwarded-for entry, which may be a bare IP
// ("203.0.113.7"), an ip:port pair, or a bracketed IPv6 form.
func parseForwardedEntry(entry string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(entry); err == nil {
		return addr.Unmap(), nil
	}
	if ap, err := netip.ParseAddrPort(entry); err == nil {
		return ap.Addr().Unmap(), nil
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(entry, "["), "]")
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid forwarded-for entry %q", entry)
	}
	return addr.Unmap(), nil
}
