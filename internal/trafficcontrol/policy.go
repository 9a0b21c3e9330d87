package trafficcontrol

import (
	"time"

	"github.com/nodegate/nodegate/internal/config"
)

// Verdict is a policy's block decision for one tally. Spam and error policy
// verdicts are unioned by the controller.
type Verdict struct {
	BlockDirect  bool
	BlockProxied bool
}

// Any reports whether the verdict blocks anything.
func (v Verdict) Any() bool { return v.BlockDirect || v.BlockProxied }

func (v Verdict) union(o Verdict) Verdict {
	return Verdict{
		BlockDirect:  v.BlockDirect || o.BlockDirect,
		BlockProxied: v.BlockProxied || o.BlockProxied,
	}
}

// Policy consumes tallies routed to it and decides whether the client's
// sustained rate crossed its thresholds. Handle evaluates at tally
// granularity, so detection latency is bounded by one window plus one update
// interval.
type Policy interface {
	Handle(t Tally) Verdict
	// Advance slides the policy's windows one update interval forward.
	Advance()
	// UpdateInterval is the cadence at which Advance must be driven.
	// Zero means the policy needs no ticking.
	UpdateInterval() time.Duration
	// HighestRates returns the highest per-client direct and proxied rates
	// currently observable, for the rate gauges.
	HighestRates() (direct, proxied float64)
	Close()
}

// NewPolicy builds the configured policy. scale compensates rate estimates
// for sampling (1/sample_rate for the spam policy, 1 for the error policy).
func NewPolicy(cfg config.ThresholdPolicyConfig, scale float64) Policy {
	if !cfg.Enabled() {
		return noopPolicy{}
	}
	return &freqThresholdPolicy{
		direct:           NewTracker(cfg, scale),
		proxied:          NewTracker(cfg, scale),
		threshold:        cfg.ClientThreshold,
		proxiedThreshold: cfg.ProxiedClientThreshold,
		interval:         cfg.UpdateInterval(),
	}
}

// noopPolicy does no accounting and never blocks.
type noopPolicy struct{}

func (noopPolicy) Handle(Tally) Verdict             { return Verdict{} }
func (noopPolicy) Advance()                         {}
func (noopPolicy) UpdateInterval() time.Duration    { return 0 }
func (noopPolicy) HighestRates() (float64, float64) { return 0, 0 }
func (noopPolicy) Close()                           {}

// freqThresholdPolicy blocks clients whose windowed request rate exceeds a
// fixed threshold. Direct and proxied identities are tracked separately:
// the same address can be a well-behaved proxy and a misbehaving end client.
type freqThresholdPolicy struct {
	direct           Tracker
	proxied          Tracker
	threshold        float64
	proxiedThreshold float64
	interval         time.Duration
}

func (p *freqThresholdPolicy) Handle(t Tally) Verdict {
	var v Verdict

	p.direct.Record(t.Direct, 1)
	if p.direct.Rate(t.Direct) > p.threshold {
		v.BlockDirect = true
	}

	if t.HasProxied() {
		p.proxied.Record(t.Proxied, 1)
		if p.proxied.Rate(t.Proxied) > p.proxiedThreshold {
			v.BlockProxied = true
		}
	}

	return v
}

func (p *freqThresholdPolicy) Advance() {
	p.direct.Advance()
	p.proxied.Advance()
}

func (p *freqThresholdPolicy) UpdateInterval() time.Duration { return p.interval }

func (p *freqThresholdPolicy) HighestRates() (float64, float64) {
	return p.direct.HighestRate(), p.proxied.HighestRate()
}

func (p *freqThresholdPolicy) Close() {
	p.direct.Close()
	p.proxied.Close()
}
