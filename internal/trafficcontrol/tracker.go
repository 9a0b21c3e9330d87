package trafficcontrol

import (
	"math"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/nodegate/nodegate/internal/config"
)

// Tracker maintains per-client sliding-window request rates. Record adds
// observations to the current bucket; Advance moves the window forward by
// one update interval. Rates are requests per second over the whole window,
// already scaled for sampling.
type Tracker interface {
	Record(addr netip.Addr, n float64)
	Rate(addr netip.Addr) float64
	HighestRate() float64
	Advance()
	Close()
}

// NewTracker builds the configured tracker backend for one policy.
// scale compensates for sampling (1/sample_rate).
func NewTracker(cfg config.ThresholdPolicyConfig, scale float64) Tracker {
	buckets := int(cfg.WindowSizeSecs / cfg.UpdateIntervalSecs)
	windowSecs := float64(cfg.WindowSizeSecs)
	if cfg.Tracker == config.TrackerBounded {
		return newBoundedTracker(buckets, windowSecs, scale)
	}
	return newExactTracker(buckets, windowSecs, scale)
}

// window is one client's ring of per-interval counters. Rotation is lazy:
// callers pass the current global tick and the ring catches up by zeroing
// the buckets the window slid past.
type window struct {
	mu      sync.Mutex
	buckets []float64
	tick    uint64
}

func newWindow(buckets int, tick uint64) *window {
	return &window{buckets: make([]float64, buckets), tick: tick}
}

func (w *window) rotate(tick uint64) {
	if tick <= w.tick {
		return
	}
	n := uint64(len(w.buckets))
	if tick-w.tick >= n {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for t := w.tick + 1; t <= tick; t++ {
			w.buckets[t%n] = 0
		}
	}
	w.tick = tick
}

func (w *window) add(tick uint64, n float64) {
	w.mu.Lock()
	w.rotate(tick)
	w.buckets[tick%uint64(len(w.buckets))] += n
	w.mu.Unlock()
}

func (w *window) sum(tick uint64) float64 {
	w.mu.Lock()
	w.rotate(tick)
	total := 0.0
	for _, v := range w.buckets {
		total += v
	}
	w.mu.Unlock()
	return total
}

const trackerShards = 32

// exactTracker keeps one exact window per observed client in sharded maps.
// Clients whose whole window has drained to zero are evicted on Advance, so
// memory is bounded by the number of clients active within one window.
type exactTracker struct {
	shards     [trackerShards]trackerShard
	tick       atomic.Uint64
	buckets    int
	windowSecs float64
	scale      float64
}

type trackerShard struct {
	mu sync.RWMutex
	m  map[netip.Addr]*window
}

func newExactTracker(buckets int, windowSecs, scale float64) *exactTracker {
	t := &exactTracker{buckets: buckets, windowSecs: windowSecs, scale: scale}
	for i := range t.shards {
		t.shards[i].m = make(map[netip.Addr]*window)
	}
	return t
}

func (t *exactTracker) shard(addr netip.Addr) *trackerShard {
	a := addr.As16()
	return &t.shards[(uint(a[15])^uint(a[13])<<1)%trackerShards]
}

func (t *exactTracker) Record(addr netip.Addr, n float64) {
	tick := t.tick.Load()
	s := t.shard(addr)

	s.mu.RLock()
	w, ok := s.m[addr]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if w, ok = s.m[addr]; !ok {
			w = newWindow(t.buckets, tick)
			s.m[addr] = w
		}
		s.mu.Unlock()
	}

	w.add(tick, n)
}

func (t *exactTracker) Rate(addr netip.Addr) float64 {
	tick := t.tick.Load()
	s := t.shard(addr)

	s.mu.RLock()
	w, ok := s.m[addr]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.sum(tick) / t.windowSecs * t.scale
}

// Advance slides the window one interval forward and evicts drained clients.
func (t *exactTracker) Advance() {
	tick := t.tick.Add(1)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for addr, w := range s.m {
			if w.sum(tick) == 0 {
				delete(s.m, addr)
			}
		}
		s.mu.Unlock()
	}
}

func (t *exactTracker) HighestRate() float64 {
	tick := t.tick.Load()
	highest := 0.0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, w := range s.m {
			if r := w.sum(tick) / t.windowSecs * t.scale; r > highest {
				highest = r
			}
		}
		s.mu.RUnlock()
	}
	return highest
}

func (t *exactTracker) Close() {}

// atomicMax is a float64 max register updated with CAS.
type atomicMax struct {
	bits atomic.Uint64
}

func (a *atomicMax) observe(v float64) {
	for {
		old := a.bits.Load()
		if v <= math.Float64frombits(old) {
			return
		}
		if a.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

func (a *atomicMax) load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicMax) reset() { a.bits.Store(0) }
