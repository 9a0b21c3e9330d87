package trafficcontrol

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/nodegate/nodegate/internal/observability"
)

// Outcome classifies how the node handled a request.
type Outcome uint8

const (
	// OutcomeOK means the request was handled without error.
	OutcomeOK Outcome = iota
	// OutcomeError means the node answered with an error the client caused
	// (bad request, rejected transaction, 4xx/5xx from the RPC handler).
	OutcomeError
)

// Tally is one observed request outcome, the unit flowing from the ingress
// path to the policy loop. Values only; it carries no references to request
// state.
type Tally struct {
	Direct      netip.Addr
	Proxied     netip.Addr // zero Addr when no proxied identity was resolved
	ObservedAt  time.Time
	Outcome     Outcome
	SpamSampled bool // this tally was selected by the spam sample draw
}

// HasProxied reports whether the tally carries a proxied client identity.
func (t Tally) HasProxied() bool { return t.Proxied.IsValid() }

// Sink is the bounded, non-blocking channel between request handling and the
// policy loop. Offer never blocks: when the channel is full the tally is
// dropped and counted, protecting request latency at the cost of slightly
// undercounting an overload that is, by definition, already visible.
type Sink struct {
	ch         chan Tally
	sampleRate float64
	metrics    *observability.Metrics
}

// NewSink creates a sink with the given channel capacity and spam sample
// rate in [0, 1].
func NewSink(capacity int, sampleRate float64, metrics *observability.Metrics) *Sink {
	return &Sink{
		ch:         make(chan Tally, capacity),
		sampleRate: sampleRate,
		metrics:    metrics,
	}
}

// Offer stamps the spam sample draw onto the tally and try-sends it.
// Returns false when the tally was dropped (channel full) or skipped
// (not sampled and not an error, so no policy would consume it).
func (s *Sink) Offer(t Tally) bool {
	t.SpamSampled = s.sampleRate >= 1 || rand.Float64() < s.sampleRate

	// A tally that neither policy would look at is not worth a channel slot.
	if !t.SpamSampled && t.Outcome != OutcomeError {
		return false
	}

	select {
	case s.ch <- t:
		s.metrics.IncTalliesReceived()
		return true
	default:
		s.metrics.IncTalliesDropped()
		return false
	}
}

// C returns the consumer side of the sink.
func (s *Sink) C() <-chan Tally { return s.ch }

// Len returns the number of queued tallies.
func (s *Sink) Len() int { return len(s.ch) }
