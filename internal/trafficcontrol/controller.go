package trafficcontrol

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/identity"
	"github.com/nodegate/nodegate/internal/nodefw"
	"github.com/nodegate/nodegate/internal/observability"
	"github.com/nodegate/nodegate/internal/redis"
)

// ErrControllerClosed is returned when a lifecycle method is called on a
// controller that has already been closed.
var ErrControllerClosed = errors.New("traffic controller closed")

const (
	// sweepInterval is how often expired blocklist entries are purged and the
	// length gauges refreshed.
	sweepInterval = 3 * time.Second
	// metricsInterval is how often the highest-rate gauges are refreshed.
	metricsInterval = 2 * time.Second
)

// Params carries the dependencies for a Controller. Metrics and Logger are
// required; RedisClient is optional and enables the shared blocklist mirror.
type Params struct {
	Policy   config.PolicyConfig
	Firewall config.FirewallConfig
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	RedisClient redis.Client
	Redis       config.RedisConfig
}

// Controller is the admission-control core. Admit answers synchronously from
// the local blocklists; ReportOutcome feeds the policy pipeline through the
// bounded sink. All accounting, evaluation, blocking, and delegation happens
// on background goroutines owned by the controller.
type Controller struct {
	cfg     config.PolicyConfig
	fwCfg   config.FirewallConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	sink        *Sink
	spamPolicy  Policy
	errorPolicy Policy

	connBlocklist  *Blocklist
	proxyBlocklist *Blocklist

	fw      *nodefw.Client // nil when delegation is disabled
	drained atomic.Bool    // dead-man's switch tripped; delegation suspended

	mirror *Mirror // nil without Redis

	// Intervals are fields so tests can shrink them.
	sweepEvery   time.Duration
	metricsEvery time.Duration
	drainTimeout time.Duration
	nowFn        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New builds a controller from validated configuration. It does not start
// any goroutines; call Start.
func New(p Params) (*Controller, error) {
	logger := p.Logger.With("component", "trafficcontrol")

	spamScale := 1.0
	if p.Policy.SpamSampleRate > 0 && p.Policy.SpamSampleRate < 1 {
		spamScale = 1 / p.Policy.SpamSampleRate
	}

	c := &Controller{
		cfg:            p.Policy,
		fwCfg:          p.Firewall,
		logger:         logger,
		metrics:        p.Metrics,
		sink:           NewSink(p.Policy.ChannelCapacity, p.Policy.SpamSampleRate, p.Metrics),
		spamPolicy:     NewPolicy(p.Policy.SpamPolicy, spamScale),
		errorPolicy:    NewPolicy(p.Policy.ErrorPolicy, 1),
		connBlocklist:  NewBlocklist(time.Duration(p.Policy.ConnectionBlocklistTTLSecs) * time.Second),
		proxyBlocklist: NewBlocklist(time.Duration(p.Policy.ProxyBlocklistTTLSecs) * time.Second),
		sweepEvery:     sweepInterval,
		metricsEvery:   metricsInterval,
		drainTimeout:   time.Duration(p.Firewall.DrainTimeoutSecs) * time.Second,
		nowFn:          time.Now,
	}

	if p.Firewall.Enabled && c.delegatesAnything() {
		fw, err := nodefw.NewClient(p.Firewall, p.Logger)
		if err != nil {
			return nil, err
		}
		c.fw = fw

		// A drain file left behind by a previous trip (or placed by an
		// operator) suspends delegation from the first request on.
		if nodefw.DrainFileExists(p.Firewall.DrainPath) {
			c.drained.Store(true)
			logger.Warn("drain file present at startup, firewall delegation suspended",
				"path", p.Firewall.DrainPath, "on_drain", string(p.Firewall.OnDrain))
		}
	}
	p.Metrics.SetDeadMansSwitch(c.drained.Load())

	if p.RedisClient != nil && p.Redis.Enabled {
		mirror, err := NewMirror(p.Redis, p.RedisClient, c.connBlocklist, c.proxyBlocklist, p.Metrics, p.Logger)
		if err != nil {
			return nil, err
		}
		c.mirror = mirror
	}

	return c, nil
}

func (c *Controller) delegatesAnything() bool {
	return c.fwCfg.DelegateSpamBlocking || c.fwCfg.DelegateErrBlocking
}

// Start launches the background loops. It may be called once.
func (c *Controller) Start() error {
	if c.closed.Load() {
		return ErrControllerClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("traffic controller already started")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.spawn(c.tallyLoop)
	c.spawn(c.sweepLoop)
	c.spawn(c.metricsLoop)
	c.spawnTicker(c.spamPolicy)
	c.spawnTicker(c.errorPolicy)
	if c.mirror != nil {
		c.spawn(c.mirror.Run)
	}

	c.logger.Info("traffic controller started",
		"dry_run", c.cfg.DryRun,
		"spam_policy", string(c.cfg.SpamPolicy.Type),
		"error_policy", string(c.cfg.ErrorPolicy.Type),
		"firewall_delegation", c.fw != nil,
		"mirror", c.mirror != nil)
	return nil
}

func (c *Controller) spawn(fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Controller) spawnTicker(p Policy) {
	interval := p.UpdateInterval()
	if interval <= 0 {
		return
	}
	c.spawn(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Advance()
			}
		}
	})
}

// Close stops the background loops and releases policy resources. Admit keeps
// answering from the frozen blocklists afterwards; ReportOutcome becomes a
// no-op as the sink is no longer drained.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.spamPolicy.Close()
	c.errorPolicy.Close()
	c.logger.Info("traffic controller stopped")
}

// Admit decides whether a resolved client may proceed. It is synchronous and
// bounded: two sharded map probes, no I/O, no channel operations.
func (c *Controller) Admit(res identity.Resolution) bool {
	blocked := c.connBlocklist.IsBlocked(res.Direct) ||
		(res.HasProxied() && c.proxyBlocklist.IsBlocked(res.Proxied))

	if !blocked {
		c.metrics.IncAdmitted()
		return true
	}
	if c.cfg.DryRun {
		c.metrics.IncDryRunBlocked()
		return true
	}
	c.metrics.IncBlocked()
	return false
}

// ReportOutcome records how the request ended. It never blocks; when the sink
// is full the tally is dropped and counted.
func (c *Controller) ReportOutcome(res identity.Resolution, outcome Outcome) {
	c.sink.Offer(Tally{
		Direct:     res.Direct,
		Proxied:    res.Proxied,
		ObservedAt: c.nowFn(),
		Outcome:    outcome,
	})
}

// tallyLoop consumes the sink and doubles as the dead-man's switch: the drain
// timer is reset on every tally, and firing means the enforcement pipeline
// went quiet for the whole drain timeout.
func (c *Controller) tallyLoop(ctx context.Context) {
	var drainCh <-chan time.Time
	var drainTimer *time.Timer
	if c.fw != nil && c.drainTimeout > 0 {
		drainTimer = time.NewTimer(c.drainTimeout)
		defer drainTimer.Stop()
		drainCh = drainTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.sink.C():
			if drainTimer != nil {
				if !drainTimer.Stop() {
					<-drainTimer.C
				}
				drainTimer.Reset(c.drainTimeout)
			}
			c.handleTally(t)
			c.metrics.IncTalliesHandled()
		case <-drainCh:
			c.tripDeadMansSwitch()
			drainTimer.Reset(c.drainTimeout)
		}
	}
}

func (c *Controller) handleTally(t Tally) {
	if t.SpamSampled {
		c.apply(t, c.spamPolicy.Handle(t), c.fwCfg.DelegateSpamBlocking)
	}
	if t.Outcome == OutcomeError {
		c.apply(t, c.errorPolicy.Handle(t), c.fwCfg.DelegateErrBlocking)
	}
}

// apply enforces one policy's verdict: delegate to the firewall when
// configured and healthy, otherwise insert into the local blocklists.
// With on_drain: open a tripped switch admits the delegated policy's
// traffic instead of falling back to local enforcement.
func (c *Controller) apply(t Tally, v Verdict, delegate bool) {
	if !v.Any() {
		return
	}

	if delegate && c.fw != nil {
		if !c.drained.Load() {
			c.delegate(t, v)
			return
		}
		if c.fwCfg.OnDrain == config.DrainFallbackOpen {
			return
		}
		// on_drain: local — fall through to local enforcement.
	}

	if v.BlockDirect {
		c.blockDirect(t.Direct)
	}
	if v.BlockProxied && t.HasProxied() {
		c.blockProxied(t.Proxied)
	}
}

func (c *Controller) delegate(t Tally, v Verdict) {
	var addrs []nodefw.BlockAddress
	if v.BlockDirect {
		addrs = append(addrs, nodefw.BlockAddress{
			SourceAddress:   t.Direct.String(),
			DestinationPort: c.fwCfg.DestinationPort,
			TTL:             c.cfg.ConnectionBlocklistTTLSecs,
		})
	}
	if v.BlockProxied && t.HasProxied() {
		addrs = append(addrs, nodefw.BlockAddress{
			SourceAddress:   t.Proxied.String(),
			DestinationPort: c.fwCfg.DestinationPort,
			TTL:             c.cfg.ProxyBlocklistTTLSecs,
		})
	}
	if len(addrs) == 0 {
		return
	}

	for range addrs {
		c.metrics.IncDelegatedBlocks()
	}

	// The semaphore inside the client caps in-flight calls; running them off
	// the tally loop keeps a slow firewall from stalling policy evaluation.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.fw.BlockAddresses(c.ctx, addrs); err != nil {
			c.metrics.IncDelegateFailures()
			c.logger.Warn("firewall delegation failed", "error", err, "addresses", len(addrs))
		}
	}()
}

func (c *Controller) blockDirect(addr netip.Addr) {
	c.connBlocklist.Insert(addr)
	c.logger.Debug("blocking client", "addr", addr.String())
	if c.mirror != nil {
		c.mirror.Publish(mirrorKindConn, addr, time.Duration(c.cfg.ConnectionBlocklistTTLSecs)*time.Second)
	}
}

func (c *Controller) blockProxied(addr netip.Addr) {
	c.proxyBlocklist.Insert(addr)
	c.logger.Debug("blocking proxied client", "addr", addr.String())
	if c.mirror != nil {
		c.mirror.Publish(mirrorKindProxy, addr, time.Duration(c.cfg.ProxyBlocklistTTLSecs)*time.Second)
	}
}

// tripDeadMansSwitch suspends delegation and leaves the drain marker behind
// so other processes (and the next restart) see the trip.
func (c *Controller) tripDeadMansSwitch() {
	if !c.drained.CompareAndSwap(false, true) {
		return
	}
	c.metrics.SetDeadMansSwitch(true)
	if err := nodefw.TouchDrainFile(c.fwCfg.DrainPath); err != nil {
		c.logger.Error("failed to touch drain file", "error", err, "path", c.fwCfg.DrainPath)
	}
	c.logger.Warn("no tallies within drain timeout, firewall delegation suspended",
		"drain_timeout", c.drainTimeout.String(), "on_drain", string(c.fwCfg.OnDrain))
}

// MirrorPinger exposes the Redis mirror for the deep health check; nil when
// the mirror is disabled.
func (c *Controller) MirrorPinger() observability.Pinger {
	if c.mirror == nil {
		return nil
	}
	return c.mirror
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.connBlocklist.Sweep()
			proxy := c.proxyBlocklist.Sweep()
			c.metrics.SetBlocklistLens(conn, proxy)
		}
	}
}

func (c *Controller) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.metricsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			direct, proxied := c.spamPolicy.HighestRates()
			c.metrics.SetHighestSpamRates(direct, proxied)
			direct, proxied = c.errorPolicy.HighestRates()
			c.metrics.SetHighestErrorRates(direct, proxied)
		}
	}
}
