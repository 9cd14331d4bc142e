package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/nmfleet/internal/audit"
	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/discovery"
	"github.com/nerrad567/nmfleet/internal/infrastructure/config"
	"github.com/nerrad567/nmfleet/internal/infrastructure/logging"
	"github.com/nerrad567/nmfleet/internal/push"
	"github.com/nerrad567/nmfleet/internal/transport"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConfigPusher sends configurations to devices.
type ConfigPusher interface {
	Push(ctx context.Context, cfg device.Configuration, source string) (push.Report, error)
	RequestConfig(ctx context.Context, address string) (device.Configuration, error)
}

// PushPublisher announces completed pushes, e.g. on MQTT.
type PushPublisher interface {
	PublishPush(r push.Report)
}

// ListenerStats exposes discovery counters for metrics.
type ListenerStats interface {
	Stats() discovery.Stats
	Running() bool
}

// HealthChecker is implemented by optional infrastructure clients.
type HealthChecker interface {
	IsConnected() bool
}

// DBStatser exposes connection pool statistics. *database.DB satisfies it.
type DBStatser interface {
	Stats() sql.DBStats
}

// Dialer opens a command transport to a device address.
type Dialer func(ctx context.Context, address string) (transport.Transport, error)

// SerialOpener opens the configured serial port.
type SerialOpener func() (transport.Transport, error)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Command  config.CommandConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Cache    *device.ConfigCache
	Pusher   ConfigPusher
	PushLog  audit.Repository // optional
	Events   PushPublisher    // optional
	Listener ListenerStats    // optional
	MQTT     HealthChecker    // optional
	DB       DBStatser        // optional
	Version  string

	// Dial and OpenSerial default to TCP and go.bug.st/serial.
	Dial       Dialer
	OpenSerial SerialOpener
}

// Server is the HTTP API consumed by the presentation layer.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	cmdCfg   config.CommandConfig
	logger   *logging.Logger
	registry *device.Registry
	cache    *device.ConfigCache
	pusher   ConfigPusher
	pushLog  audit.Repository
	events   PushPublisher
	listener ListenerStats
	mqtt     HealthChecker
	db       DBStatser
	version  string
	started  time.Time

	dial   Dialer
	serial *serialSession

	server   *http.Server
	listenMu sync.Mutex
	addr     net.Addr
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies and subscribes
// the WebSocket hub to registry changes.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Pusher == nil {
		return nil, fmt.Errorf("config pusher is required")
	}
	if deps.Cache == nil {
		deps.Cache = device.NewConfigCache()
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		cmdCfg:   deps.Command,
		logger:   deps.Logger,
		registry: deps.Registry,
		cache:    deps.Cache,
		pusher:   deps.Pusher,
		pushLog:  deps.PushLog,
		events:   deps.Events,
		listener: deps.Listener,
		mqtt:     deps.MQTT,
		db:       deps.DB,
		version:  deps.Version,
		started:  time.Now(),
		dial:     deps.Dial,
		hub:      NewHub(deps.WS, deps.Logger),
	}

	if s.dial == nil {
		s.dial = s.dialTCP
	}
	if deps.Command.Serial.Enabled {
		opener := deps.OpenSerial
		if opener == nil {
			port, baud := deps.Command.Serial.Port, deps.Command.Serial.BaudRate
			opener = func() (transport.Transport, error) { return transport.OpenSerial(port, baud) }
		}
		s.serial = &serialSession{open: opener}
	}

	s.hub.SetSnapshot(func() any {
		devices := s.registry.List()
		return map[string]any{"devices": devices, "count": len(devices)}
	})
	s.registry.AddObserver(s.onDeviceEvent)
	return s, nil
}

// dialTCP connects to the device's command port.
func (s *Server) dialTCP(ctx context.Context, address string) (transport.Transport, error) {
	timeout := time.Duration(s.cmdCfg.ConnectTimeoutMS) * time.Millisecond
	target := net.JoinHostPort(address, strconv.Itoa(s.cmdCfg.TCPPort))
	return transport.DialTCP(ctx, target, timeout)
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Returns:
//   - error: If the server fails to bind (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listenMu.Lock()
	s.addr = ln.Addr()
	s.listenMu.Unlock()

	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server and releases the serial port.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.serial != nil {
		s.serial.close()
	}
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

// HealthCheck verifies the API server is running and responsive.
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

// OnConfiguration relays device announcements to WebSocket subscribers.
// It matches discovery.ConfigurationHandler.
func (s *Server) OnConfiguration(address string, cfg device.Configuration) {
	s.hub.Broadcast(ChannelConfigReceived, map[string]any{
		"address":       address,
		"configuration": cfg.Redacted(),
	})
}

// onDeviceEvent relays registry changes to WebSocket subscribers.
func (s *Server) onDeviceEvent(ev device.Event) {
	channel := ChannelDeviceUpdated
	if ev.Type == device.EventOffline {
		channel = ChannelDeviceOffline
	}
	s.hub.Broadcast(channel, map[string]any{
		"event":  string(ev.Type),
		"source": string(ev.Source),
		"device": ev.Record,
	})
}
