package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/sensorhub/internal/catalogue"
	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/infrastructure/logging"
	"github.com/nerrad567/sensorhub/internal/infrastructure/metrics"
	"github.com/nerrad567/sensorhub/internal/sensor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SensorStore is the view of the sensor manager the API serves.
type SensorStore interface {
	ListSensors() []sensor.Status
	Get(id string) (sensor.Status, error)
	Has(id string) bool
	Latest(id string) (sensor.Sample, bool, error)
	Recent(id string, n int, order sensor.Order) ([]sensor.Sample, error)
	LatestMany(ids []string) map[string]sensor.Sample
	Adapter(id string) (sensor.Adapter, error)
	Deregister(id string) error
	Ready() bool
}

// ConnectionChecker reports broker connectivity for the system metrics.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Sensors   SensorStore
	Catalogue catalogue.Repository // optional
	Metrics   *metrics.Registry    // optional
	MQTT      ConnectionChecker    // optional
	DB        *sql.DB              // optional, for pool stats
	Version   string
}

// Server is the HTTP API and WebSocket server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	sensors   SensorStore
	catalogue catalogue.Repository
	metrics   *metrics.Registry
	mqtt      ConnectionChecker
	db        *sql.DB
	version   string
	startTime time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Sensors == nil {
		return nil, fmt.Errorf("sensor store is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     withWSDefaults(deps.WS),
		logger:    deps.Logger,
		sensors:   deps.Sensors,
		catalogue: deps.Catalogue,
		metrics:   deps.Metrics,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
	}

	var wsMetrics WSMetrics = noopWSMetrics{}
	if deps.Metrics != nil {
		wsMetrics = deps.Metrics
	}
	s.hub = NewHub(s.wsCfg, deps.Logger, wsMetrics)
	return s, nil
}

// Start binds the listener and serves in a background goroutine. A bind
// or TLS setup failure is returned.
func (s *Server) Start(ctx context.Context) error {
	tlsCfg, err := buildTLSConfig(s.cfg.TLS)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		TLSConfig:         tlsCfg,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("API server listening",
		"address", ln.Addr().String(),
		"tls", tlsCfg != nil,
		"client_cert_required", s.cfg.TLS.Enabled && s.cfg.TLS.RequireClientCert,
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// buildTLSConfig returns nil when TLS is disabled. With a client CA the
// server verifies client certificates, and requires them when
// RequireClientCert is set.
func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile == "" {
		if cfg.RequireClientCert {
			return nil, fmt.Errorf("require_client_cert needs client_ca_file")
		}
		return tlsCfg, nil
	}

	pem, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA %s contains no certificates", cfg.ClientCAFile)
	}
	tlsCfg.ClientCAs = pool
	if cfg.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}
