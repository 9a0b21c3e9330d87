// Package middleware implements the request processing pipeline for NodeGate:
// client identity resolution → admission decision → proxying, with the
// request outcome reported back to the traffic controller afterwards.
package middleware

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nodegate/nodegate/internal/identity"
	"github.com/nodegate/nodegate/internal/observability"
	"github.com/nodegate/nodegate/internal/trafficcontrol"
)

var tracer = otel.Tracer("nodegate.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 avoids a syscall per ID, which matters on the admission hot path.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable /
// injection characters.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// core bundles the pieces replaced together on a controlled restart: the
// resolver and controller are built from one config snapshot and must be
// swapped as a unit.
type core struct {
	resolver   *identity.Resolver
	controller *trafficcontrol.Controller
}

// Gate is the admission middleware. Every request is resolved to a client
// identity, checked against the controller's blocklists, and — after the
// backend answered — reported back as a tally. Blocked clients get a bare
// 403 with no detail; causes are visible only in metrics and logs.
type Gate struct {
	core    atomic.Pointer[core]
	next    atomic.Pointer[http.Handler] // swappable proxy for backend hot-reload
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewGate wires a resolver and a started controller in front of next.
func NewGate(
	resolver *identity.Resolver,
	controller *trafficcontrol.Controller,
	next http.Handler,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Gate {
	g := &Gate{
		logger:  logger.With("component", "gate"),
		metrics: metrics,
	}
	g.core.Store(&core{resolver: resolver, controller: controller})
	g.next.Store(&next)
	return g
}

// statusWriter captures the HTTP status code written by downstream handlers
// so the outcome can be classified for the error policy.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and handlers that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for streaming responses even when handlers
// assert w.(http.Flusher) directly instead of using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP processes the request through resolve → admit → proxy → report.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	co := g.core.Load()

	res, err := co.resolver.Resolve(r)
	if err != nil {
		// Resolution failures with the reject policy get the same bare 403
		// as blocked clients; the distinction lives in the metrics.
		g.metrics.IncResolveFailures()
		if !errors.Is(err, identity.ErrResolutionFailed) {
			g.logger.Warn("identity resolution error", "error", err, "request_id", reqID)
		}
		sw.WriteHeader(http.StatusForbidden)
		return
	}

	ctx, span := tracer.Start(r.Context(), "nodegate.admission")
	allowed := co.controller.Admit(res)
	span.SetAttributes(
		attribute.Bool("admission.allowed", allowed),
		attribute.Bool("admission.proxied_identity", res.HasProxied()),
	)
	span.End()

	if !allowed {
		sw.WriteHeader(http.StatusForbidden)
		return
	}

	(*g.next.Load()).ServeHTTP(sw, r.WithContext(ctx))

	outcome := trafficcontrol.OutcomeOK
	if sw.code >= 400 {
		outcome = trafficcontrol.OutcomeError
	}
	co.controller.ReportOutcome(res, outcome)
}

// SwapCore atomically replaces the resolver/controller pair and returns the
// previous controller so the caller can drain and close it. Used by the
// config watcher's controlled restart.
func (g *Gate) SwapCore(resolver *identity.Resolver, controller *trafficcontrol.Controller) *trafficcontrol.Controller {
	old := g.core.Swap(&core{resolver: resolver, controller: controller})
	g.logger.Info("admission core swapped")
	return old.controller
}

// SwapProxy atomically replaces the downstream proxy handler.
// Used for hot-reloading backend configuration changes.
func (g *Gate) SwapProxy(next http.Handler) {
	g.next.Store(&next)
}

// Controller returns the currently installed controller.
func (g *Gate) Controller() *trafficcontrol.Controller {
	return g.core.Load().controller
}

// MirrorPinger exposes the active controller's Redis mirror for the deep
// health check; nil when no mirror is configured.
func (g *Gate) MirrorPinger() observability.Pinger {
	return g.core.Load().controller.MirrorPinger()
}
