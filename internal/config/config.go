// Package config handles loading and validation of NodeGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// NODEGATE_ prefix:
//
//	server.address → NODEGATE_SERVER_ADDRESS
//	policy.spam_policy.client_threshold → NODEGATE_POLICY_SPAM_POLICY_CLIENT_THRESHOLD
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via NODEGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/nodegate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// ClientIDSource selects how a request is mapped to a client identity.
type ClientIDSource string

const (
	// ClientIDSocketAddr uses the TCP peer address as the client identity.
	ClientIDSocketAddr ClientIDSource = "socketaddr"
	// ClientIDForwardedFor trusts an entry of the X-Forwarded-For header,
	// selected by policy.forwarded_for_hops, as the client identity.
	ClientIDForwardedFor ClientIDSource = "xforwardedfor"
)

func (s ClientIDSource) Valid() bool {
	switch s {
	case ClientIDSocketAddr, ClientIDForwardedFor:
		return true
	}
	return false
}

// ResolveFailurePolicy controls behavior when the forwarded-for header is
// missing or shorter than the configured hop count.
type ResolveFailurePolicy string

const (
	ResolveFailureReject         ResolveFailurePolicy = "reject"
	ResolveFailureFallbackSocket ResolveFailurePolicy = "fallback-socket"
)

func (p ResolveFailurePolicy) Valid() bool {
	switch p {
	case ResolveFailureReject, ResolveFailureFallbackSocket:
		return true
	}
	return false
}

// PolicyType selects a traffic-control policy implementation.
type PolicyType string

const (
	PolicyNoOp          PolicyType = "noop"
	PolicyFreqThreshold PolicyType = "freqthreshold"
)

func (p PolicyType) Valid() bool {
	switch p {
	case PolicyNoOp, PolicyFreqThreshold:
		return true
	}
	return false
}

// TrackerBackend selects the per-client rate accounting structure.
type TrackerBackend string

const (
	// TrackerExact keeps one exact windowed counter per observed client.
	TrackerExact TrackerBackend = "exact"
	// TrackerBounded keeps counters in a fixed-memory TinyLFU cache. Under
	// very large client populations cold clients may be evicted and re-admitted
	// with a fresh window, slightly under- or over-estimating their rate.
	TrackerBounded TrackerBackend = "bounded"
)

func (t TrackerBackend) Valid() bool {
	switch t {
	case TrackerExact, TrackerBounded, "":
		return true
	}
	return false
}

// DrainFallback controls what happens to a delegated policy once the
// dead-man's switch trips.
type DrainFallback string

const (
	// DrainFallbackLocal re-enables local blocklist enforcement for the
	// delegated policy.
	DrainFallbackLocal DrainFallback = "local"
	// DrainFallbackOpen admits all traffic for the delegated policy.
	DrainFallbackOpen DrainFallback = "open"
)

func (d DrainFallback) Valid() bool {
	switch d {
	case DrainFallbackLocal, DrainFallbackOpen, "":
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology for the blocklist mirror.
type RedisMode string

const (
	RedisModeSingle      RedisMode = "single"
	RedisModeReplication RedisMode = "replication"
	RedisModeSentinel    RedisMode = "sentinel"
	RedisModeCluster     RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeReplication, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level NodeGate configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Backend  BackendConfig  `yaml:"backend"  envPrefix:"BACKEND_"`
	Policy   PolicyConfig   `yaml:"policy"   envPrefix:"POLICY_"`
	Firewall FirewallConfig `yaml:"firewall" envPrefix:"FIREWALL_"`
	Redis    RedisConfig    `yaml:"redis"    envPrefix:"REDIS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`
}

// ServerConfig holds the gate (ingress) server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig defines the node RPC endpoint admitted requests are proxied to.
type BackendConfig struct {
	URL             string `yaml:"url"               env:"URL"`
	Timeout         string `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
}

// PolicyConfig is the traffic-control policy surface. It is immutable for the
// lifetime of a controller; changing it rebuilds the controller rather than
// mutating it in place.
type PolicyConfig struct {
	ClientIDSource   ClientIDSource       `yaml:"client_id_source"   env:"CLIENT_ID_SOURCE"`
	ForwardedForHops int                  `yaml:"forwarded_for_hops" env:"FORWARDED_FOR_HOPS"`
	OnResolveFailure ResolveFailurePolicy `yaml:"on_resolve_failure" env:"ON_RESOLVE_FAILURE"`

	ConnectionBlocklistTTLSecs uint64 `yaml:"connection_blocklist_ttl_secs" env:"CONNECTION_BLOCKLIST_TTL_SECS"`
	ProxyBlocklistTTLSecs      uint64 `yaml:"proxy_blocklist_ttl_secs"      env:"PROXY_BLOCKLIST_TTL_SECS"`

	SpamPolicy  ThresholdPolicyConfig `yaml:"spam_policy"  envPrefix:"SPAM_POLICY_"`
	ErrorPolicy ThresholdPolicyConfig `yaml:"error_policy" envPrefix:"ERROR_POLICY_"`

	ChannelCapacity int     `yaml:"channel_capacity" env:"CHANNEL_CAPACITY"`
	SpamSampleRate  float64 `yaml:"spam_sample_rate" env:"SPAM_SAMPLE_RATE"`
	DryRun          bool    `yaml:"dry_run"          env:"DRY_RUN"`
}

// ThresholdPolicyConfig configures one traffic-control policy (spam or error).
type ThresholdPolicyConfig struct {
	Type PolicyType `yaml:"type" env:"TYPE"`

	// Thresholds are requests per second sustained over the window.
	ClientThreshold        float64 `yaml:"client_threshold"         env:"CLIENT_THRESHOLD"`
	ProxiedClientThreshold float64 `yaml:"proxied_client_threshold" env:"PROXIED_CLIENT_THRESHOLD"`

	WindowSizeSecs     uint64 `yaml:"window_size_secs"     env:"WINDOW_SIZE_SECS"`
	UpdateIntervalSecs uint64 `yaml:"update_interval_secs" env:"UPDATE_INTERVAL_SECS"`

	Tracker TrackerBackend `yaml:"tracker" env:"TRACKER"`
}

// Enabled reports whether the policy does any accounting at all.
func (p ThresholdPolicyConfig) Enabled() bool {
	return p.Type == PolicyFreqThreshold
}

// Window returns the sliding window size as a duration.
func (p ThresholdPolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowSizeSecs) * time.Second
}

// UpdateInterval returns the bucket width as a duration.
func (p ThresholdPolicyConfig) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateIntervalSecs) * time.Second
}

// FirewallConfig holds the optional external firewall delegation settings.
type FirewallConfig struct {
	Enabled              bool   `yaml:"enabled"                 env:"ENABLED"`
	RemoteURL            string `yaml:"remote_url"              env:"REMOTE_URL"`
	DestinationPort      uint16 `yaml:"destination_port"        env:"DESTINATION_PORT"`
	DelegateSpamBlocking bool   `yaml:"delegate_spam_blocking"  env:"DELEGATE_SPAM_BLOCKING"`
	DelegateErrBlocking  bool   `yaml:"delegate_error_blocking" env:"DELEGATE_ERROR_BLOCKING"`

	// DrainPath is the dead-man's-switch marker file. Its presence means the
	// enforcement pipeline is (or was) suspected unhealthy and delegation must
	// stay suspended until an operator clears the file.
	DrainPath        string `yaml:"drain_path"         env:"DRAIN_PATH"`
	DrainTimeoutSecs uint64 `yaml:"drain_timeout_secs" env:"DRAIN_TIMEOUT_SECS"`

	RequestTimeout        string        `yaml:"request_timeout"         env:"REQUEST_TIMEOUT"`
	MaxConcurrentRequests int64         `yaml:"max_concurrent_requests" env:"MAX_CONCURRENT_REQUESTS"`
	OnDrain               DrainFallback `yaml:"on_drain"                env:"ON_DRAIN"`
}

// RedisConfig holds the optional shared-blocklist mirror settings. When
// enabled, local blocklist insertions are mirrored to Redis with their TTL
// and insertions made by other instances are merged back locally.
type RedisConfig struct {
	Enabled          bool           `yaml:"enabled"           env:"ENABLED"`
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	SyncInterval     string         `yaml:"sync_interval"     env:"SYNC_INTERVAL"`
	KeyPrefix        string         `yaml:"key_prefix"        env:"KEY_PREFIX"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		Policy: PolicyConfig{
			ClientIDSource:             ClientIDSocketAddr,
			OnResolveFailure:           ResolveFailureReject,
			ConnectionBlocklistTTLSecs: 60,
			ProxyBlocklistTTLSecs:      60,
			SpamPolicy:                 ThresholdPolicyConfig{Type: PolicyNoOp, Tracker: TrackerExact},
			ErrorPolicy:                ThresholdPolicyConfig{Type: PolicyNoOp, Tracker: TrackerExact},
			ChannelCapacity:            100,
			SpamSampleRate:             1.0,
		},
		Firewall: FirewallConfig{
			DrainTimeoutSecs:      300,
			RequestTimeout:        "5s",
			MaxConcurrentRequests: 10,
			OnDrain:               DrainFallbackLocal,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
			SyncInterval: "5s",
			KeyPrefix:    "bl:",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "nodegate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("NODEGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/nodegate/config.yaml and
// can be overridden via NODEGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "NODEGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "SocketAddr"
// or env values like "FREQTHRESHOLD" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Policy.ClientIDSource = ClientIDSource(strings.ToLower(string(cfg.Policy.ClientIDSource)))
	cfg.Policy.OnResolveFailure = ResolveFailurePolicy(strings.ToLower(string(cfg.Policy.OnResolveFailure)))
	cfg.Policy.SpamPolicy.Type = PolicyType(strings.ToLower(string(cfg.Policy.SpamPolicy.Type)))
	cfg.Policy.ErrorPolicy.Type = PolicyType(strings.ToLower(string(cfg.Policy.ErrorPolicy.Type)))
	cfg.Policy.SpamPolicy.Tracker = TrackerBackend(strings.ToLower(string(cfg.Policy.SpamPolicy.Tracker)))
	cfg.Policy.ErrorPolicy.Tracker = TrackerBackend(strings.ToLower(string(cfg.Policy.ErrorPolicy.Tracker)))
	cfg.Firewall.OnDrain = DrainFallback(strings.ToLower(string(cfg.Firewall.OnDrain)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent. All policy
// errors fail fast here — invalid windows, sample rates, or hop counts are
// never silently coerced at runtime.
func Validate(cfg *Config) error {
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validatePolicy(&cfg.Policy); err != nil {
		return err
	}
	if err := validateFirewall(&cfg.Firewall); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"firewall.request_timeout", cfg.Firewall.RequestTimeout},
		{"redis.sync_interval", cfg.Redis.SyncInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validatePolicy(p *PolicyConfig) error {
	if !p.ClientIDSource.Valid() {
		return fmt.Errorf("invalid policy.client_id_source %q: must be socketaddr or xforwardedfor", p.ClientIDSource)
	}
	if p.ForwardedForHops < 0 {
		return fmt.Errorf("policy.forwarded_for_hops must be >= 0")
	}
	if p.ClientIDSource == ClientIDForwardedFor && !p.OnResolveFailure.Valid() {
		return fmt.Errorf("invalid policy.on_resolve_failure %q: must be reject or fallback-socket", p.OnResolveFailure)
	}
	if p.ChannelCapacity <= 0 {
		return fmt.Errorf("policy.channel_capacity must be > 0")
	}
	if p.SpamSampleRate < 0 || p.SpamSampleRate > 1 {
		return fmt.Errorf("policy.spam_sample_rate must be in [0, 1], got %v", p.SpamSampleRate)
	}
	if err := validateThresholdPolicy("policy.spam_policy", p.SpamPolicy); err != nil {
		return err
	}
	return validateThresholdPolicy("policy.error_policy", p.ErrorPolicy)
}

func validateThresholdPolicy(name string, p ThresholdPolicyConfig) error {
	if p.Type != "" && !p.Type.Valid() {
		return fmt.Errorf("unknown %s.type %q: must be noop or freqthreshold", name, p.Type)
	}
	if !p.Tracker.Valid() {
		return fmt.Errorf("unknown %s.tracker %q: must be exact or bounded", name, p.Tracker)
	}
	if p.Type != PolicyFreqThreshold {
		return nil
	}
	if p.WindowSizeSecs == 0 || p.UpdateIntervalSecs == 0 {
		return fmt.Errorf("%s: window_size_secs and update_interval_secs must be > 0", name)
	}
	if p.WindowSizeSecs%p.UpdateIntervalSecs != 0 {
		return fmt.Errorf("%s: window_size_secs (%d) must be an integer multiple of update_interval_secs (%d)",
			name, p.WindowSizeSecs, p.UpdateIntervalSecs)
	}
	if p.ClientThreshold <= 0 {
		return fmt.Errorf("%s.client_threshold must be > 0", name)
	}
	if p.ProxiedClientThreshold <= 0 {
		return fmt.Errorf("%s.proxied_client_threshold must be > 0", name)
	}
	return nil
}

func validateFirewall(f *FirewallConfig) error {
	if !f.Enabled {
		return nil
	}
	if f.RemoteURL == "" {
		return fmt.Errorf("firewall.remote_url is required when firewall delegation is enabled")
	}
	if _, err := url.Parse(f.RemoteURL); err != nil {
		return fmt.Errorf("invalid firewall.remote_url %q: %w", f.RemoteURL, err)
	}
	if f.DrainPath == "" {
		return fmt.Errorf("firewall.drain_path is required when firewall delegation is enabled")
	}
	if f.DrainTimeoutSecs == 0 {
		return fmt.Errorf("firewall.drain_timeout_secs must be > 0")
	}
	if !f.OnDrain.Valid() {
		return fmt.Errorf("invalid firewall.on_drain %q: must be local or open", f.OnDrain)
	}
	if f.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("firewall.max_concurrent_requests must be > 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Enabled {
		return nil
	}
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	if rc.Mode == RedisModeReplication && len(rc.Endpoints) < 2 {
		return fmt.Errorf("redis.endpoints: replication mode requires at least 2 endpoints, got %d", len(rc.Endpoints))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresControllerRestart compares this config to old and returns the
// top-level sections whose change requires the traffic controller to be
// rebuilt. PolicyConfig is immutable per controller instance, so any policy,
// firewall, or blocklist-mirror change rebuilds the controller.
func (c *Config) RequiresControllerRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Policy != old.Policy {
		fields = append(fields, "policy")
	}
	if c.Firewall != old.Firewall {
		fields = append(fields, "firewall")
	}
	if !c.Redis.Equal(old.Redis) {
		fields = append(fields, "redis")
	}
	return fields
}

// Equal reports whether two redis configurations are identical.
func (r RedisConfig) Equal(other RedisConfig) bool {
	if len(r.Endpoints) != len(other.Endpoints) {
		return false
	}
	for i := range r.Endpoints {
		if r.Endpoints[i] != other.Endpoints[i] {
			return false
		}
	}
	return r.Enabled == other.Enabled &&
		r.Mode == other.Mode &&
		r.MasterName == other.MasterName &&
		r.Username == other.Username &&
		r.Password == other.Password &&
		r.DB == other.DB &&
		r.PoolSize == other.PoolSize &&
		r.DialTimeout == other.DialTimeout &&
		r.ReadTimeout == other.ReadTimeout &&
		r.WriteTimeout == other.WriteTimeout &&
		r.SyncInterval == other.SyncInterval &&
		r.KeyPrefix == other.KeyPrefix &&
		r.TLS == other.TLS &&
		r.SentinelUsername == other.SentinelUsername &&
		r.SentinelPassword == other.SentinelPassword
}
