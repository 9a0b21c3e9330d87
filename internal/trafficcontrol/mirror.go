package trafficcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/observability"
	"github.com/nodegate/nodegate/internal/redis"
)

const (
	mirrorKindConn  = "conn"
	mirrorKindProxy = "proxy"

	defaultSyncInterval = 5 * time.Second
	publishBuffer       = 256
	scanBatch           = 256
)

// Mirror replicates blocklist entries through Redis so a fleet of gateway
// instances in front of the same node converges on one blocklist. Local
// insertions are published as TTL'd keys; a sync loop scans the prefix and
// merges remote entries back. The request hot path never touches Redis.
type Mirror struct {
	client  redis.Client
	prefix  string
	conn    *Blocklist
	proxy   *Blocklist
	metrics *observability.Metrics
	logger  *slog.Logger

	interval  time.Duration
	publishCh chan mirrorEntry
	nowFn     func() time.Time
}

type mirrorEntry struct {
	kind string
	addr netip.Addr
	ttl  time.Duration
}

// NewMirror builds a mirror around an established Redis client. The client's
// lifetime is owned by the caller.
func NewMirror(cfg config.RedisConfig, client redis.Client, conn, proxy *Blocklist,
	metrics *observability.Metrics, logger *slog.Logger) (*Mirror, error) {

	interval := defaultSyncInterval
	if cfg.SyncInterval != "" {
		parsed, err := time.ParseDuration(cfg.SyncInterval)
		if err != nil {
			return nil, fmt.Errorf("redis.sync_interval: %w", err)
		}
		interval = parsed
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "bl:"
	}

	return &Mirror{
		client:    client,
		prefix:    prefix,
		conn:      conn,
		proxy:     proxy,
		metrics:   metrics,
		logger:    logger.With("component", "mirror"),
		interval:  interval,
		publishCh: make(chan mirrorEntry, publishBuffer),
		nowFn:     time.Now,
	}, nil
}

// Publish enqueues one local block for replication. Non-blocking: when the
// buffer is full the entry is dropped and counted, the local block stands.
func (m *Mirror) Publish(kind string, addr netip.Addr, ttl time.Duration) {
	select {
	case m.publishCh <- mirrorEntry{kind: kind, addr: addr, ttl: ttl}:
	default:
		m.metrics.IncMirrorErrors()
	}
}

// Ping reports mirror reachability for the deep health check.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Run drains the publish queue and periodically merges remote entries.
// It returns when ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.publishCh:
			m.publish(ctx, e)
		case <-ticker.C:
			m.sync(ctx)
		}
	}
}

func (m *Mirror) publish(ctx context.Context, e mirrorEntry) {
	key := m.key(e.kind, e.addr)
	if err := m.client.Set(ctx, key, "1", e.ttl).Err(); err != nil {
		m.metrics.IncMirrorErrors()
		m.logger.Warn("failed to publish blocklist entry", "key", key, "error", err)
	}
}

// sync scans the mirror prefix and merges remote blocks into the local
// stores. InsertUntil only extends expiries, so a merge never shortens a
// block that local policy already made.
func (m *Mirror) sync(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.prefix+"*", scanBatch).Result()
		if err != nil {
			m.metrics.IncMirrorErrors()
			m.logger.Warn("blocklist sync scan failed", "error", err)
			return
		}

		for _, key := range keys {
			m.merge(ctx, key)
		}

		if next == 0 {
			return
		}
		cursor = next
	}
}

func (m *Mirror) merge(ctx context.Context, key string) {
	kind, addr, ok := m.parseKey(key)
	if !ok {
		return
	}

	ttl, err := m.client.TTL(ctx, key).Result()
	if err != nil {
		m.metrics.IncMirrorErrors()
		return
	}
	if ttl <= 0 {
		// Expired between SCAN and TTL, or a key without expiry; skip.
		return
	}

	expiry := m.nowFn().Add(ttl)
	switch kind {
	case mirrorKindConn:
		m.conn.InsertUntil(addr, expiry)
	case mirrorKindProxy:
		m.proxy.InsertUntil(addr, expiry)
	}
}

func (m *Mirror) key(kind string, addr netip.Addr) string {
	return m.prefix + kind + ":" + addr.String()
}

// parseKey inverts key: "<prefix><kind>:<addr>". The address may itself
// contain colons (IPv6), so only the first separator after the kind counts.
func (m *Mirror) parseKey(key string) (string, netip.Addr, bool) {
	rest, found := strings.CutPrefix(key, m.prefix)
	if !found {
		return "", netip.Addr{}, false
	}
	kind, rawAddr, found := strings.Cut(rest, ":")
	if !found || (kind != mirrorKindConn && kind != mirrorKindProxy) {
		return "", netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(rawAddr)
	if err != nil {
		return "", netip.Addr{}, false
	}
	return kind, addr.Unmap(), true
}
