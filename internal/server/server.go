// Package server orchestrates NodeGate's gate server and admin server. The
// gate server fronts the node RPC endpoint (HTTP, gRPC, SSE, WebSocket)
// behind the admission middleware; the admin server exposes health checks,
// readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nodegate/nodegate/internal/config"
	"github.com/nodegate/nodegate/internal/identity"
	"github.com/nodegate/nodegate/internal/middleware"
	"github.com/nodegate/nodegate/internal/observability"
	"github.com/nodegate/nodegate/internal/proxy"
	iredis "github.com/nodegate/nodegate/internal/redis"
	"github.com/nodegate/nodegate/internal/trafficcontrol"
)

// Server is the main NodeGate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	gate            *middleware.Gate
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	redisClient     iredis.Client // nil when the blocklist mirror is disabled.
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new NodeGate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	var redisClient iredis.Client
	if cfg.Redis.Enabled {
		iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
		client, err := iredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("blocklist mirror redis: %w", err)
		}
		redisClient = client
	}

	controller, err := buildController(cfg, metrics, logger, redisClient)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	rp, err := proxy.New(cfg.Backend, logger)
	if err != nil {
		controller.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, fmt.Errorf("create proxy: %w", err)
	}

	gate := middleware.NewGate(identity.NewResolver(cfg.Policy, logger), controller, rp, logger, metrics)
	health.SetMirrorPinger(gate.MirrorPinger())

	mainServer, h3srv := buildMainServer(cfg, gate, logger)
	adminServer := buildAdminServer(cfg, health, reg, logger)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		gate:        gate,
		health:      health,
		metrics:     metrics,
		redisClient: redisClient,
	}, nil
}

// buildController constructs and starts a traffic controller from one config
// snapshot.
func buildController(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger, redisClient iredis.Client) (*trafficcontrol.Controller, error) {
	controller, err := trafficcontrol.New(trafficcontrol.Params{
		Policy:      cfg.Policy,
		Firewall:    cfg.Firewall,
		Metrics:     metrics,
		Logger:      logger,
		RedisClient: redisClient,
		Redis:       cfg.Redis,
	})
	if err != nil {
		return nil, fmt.Errorf("create traffic controller: %w", err)
	}
	if err := controller.Start(); err != nil {
		return nil, fmt.Errorf("start traffic controller: %w", err)
	}
	return controller, nil
}

func buildMainServer(cfg *config.Config, gate *middleware.Gate, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(gate, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        gate,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the gate and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("nodegate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gate server starting",
		"address", s.cfg.Server.Address,
		"backend", s.cfg.Backend.URL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gate server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gate server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a changed configuration. Policy or firewall changes trigger
// a controlled restart of the traffic controller: a fresh controller is built
// from the new config, swapped in atomically, and the old one drained and
// closed. Backend and TLS changes are hot-swapped in place.
func (s *Server) Reload(newCfg *config.Config) error {
	if sections := newCfg.RequiresControllerRestart(s.cfg); len(sections) > 0 {
		redisClient, err := s.nextRedisClient(newCfg)
		if err != nil {
			return err
		}

		controller, err := buildController(newCfg, s.metrics, s.logger, redisClient)
		if err != nil {
			if redisClient != nil && redisClient != s.redisClient {
				_ = redisClient.Close()
			}
			return err
		}

		old := s.gate.SwapCore(identity.NewResolver(newCfg.Policy, s.logger), controller)
		old.Close()
		// The outgoing controller's mirror uses the previous client until
		// Close returns, so the replaced client is closed only now.
		if s.redisClient != nil && s.redisClient != redisClient {
			_ = s.redisClient.Close()
		}
		s.redisClient = redisClient
		s.health.SetMirrorPinger(s.gate.MirrorPinger())
		s.logger.Info("traffic controller restarted", "changed", sections)
	}

	if newCfg.Backend != s.cfg.Backend {
		rp, err := proxy.New(newCfg.Backend, s.logger)
		if err != nil {
			return fmt.Errorf("reload proxy: %w", err)
		}
		s.gate.SwapProxy(rp)
		s.logger.Info("backend proxy reloaded", "url", newCfg.Backend.URL)
	}

	// Reload TLS certificates when cert files are configured.
	if newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		s.ReloadCerts(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile)
	}

	s.cfg = newCfg
	return nil
}

// ReloadCerts hot-reloads the TLS certificate pair. No-op when TLS is
// disabled; a failed load keeps the old certificate serving.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

// nextRedisClient returns the mirror client for a rebuilt controller: nil
// when the mirror is disabled, the current client when the redis section is
// unchanged, or a fresh connection otherwise. The caller closes the replaced
// client after the outgoing controller has drained.
func (s *Server) nextRedisClient(newCfg *config.Config) (iredis.Client, error) {
	if !newCfg.Redis.Enabled {
		return nil, nil
	}

	if s.redisClient != nil && s.cfg.Redis.Equal(newCfg.Redis) {
		return s.redisClient, nil
	}

	iredis.WarnInsecureRedis(newCfg.Redis.TLS, s.logger)
	client, err := iredis.NewClient(newCfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("reload blocklist mirror redis: %w", err)
	}
	return client, nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gate server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.gate.Controller().Close()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("blocklist mirror close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
