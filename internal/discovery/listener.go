package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/nmfleet/internal/device"
)

// Logger defines the logging interface used by the Listener.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default listener settings.
const (
	DefaultConfigPort     = 12346
	DefaultStatusPort     = 12345
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultReadBufferSize = 4096
)

// Config holds listener settings.
type Config struct {
	BindHost string

	// ConfigPort receives configuration announcements; StatusPort receives
	// telemetry beacons. Zero picks an ephemeral port.
	ConfigPort int
	StatusPort int

	// PollInterval bounds each receive so the loops notice Stop promptly.
	PollInterval time.Duration

	ReadBufferSize int

	// RegisterOnBeacon creates records for beacons from unseen addresses.
	// When false such beacons are dropped until the device announces itself
	// on the configuration channel.
	RegisterOnBeacon bool

	// LivenessTimeout marks devices offline after this much silence.
	// Zero disables the sweep and devices stay online once seen.
	LivenessTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
}

// Stats counts datagrams seen by the listener.
type Stats struct {
	Announcements  uint64 `json:"announcements"`
	Beacons        uint64 `json:"beacons"`
	UnknownBeacons uint64 `json:"unknown_beacons"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Recovered      uint64 `json:"recovered"`
	MarkedOffline  uint64 `json:"marked_offline"`
}

// ConfigurationHandler is called for every accepted announcement.
type ConfigurationHandler func(address string, cfg device.Configuration)

// Listener runs the configuration and status receive loops and merges what
// they decode into the device registry.
type Listener struct {
	cfg      Config
	registry *device.Registry
	cache    *device.ConfigCache

	mu         sync.Mutex
	running    bool
	configConn *net.UDPConn
	statusConn *net.UDPConn

	done *closeOnce
	wg   sync.WaitGroup

	onConfig   ConfigurationHandler
	onConfigMu sync.RWMutex

	logger Logger
	now    func() time.Time

	announcements  atomic.Uint64
	beacons        atomic.Uint64
	unknownBeacons atomic.Uint64
	decodeErrors   atomic.Uint64
	recovered      atomic.Uint64
	markedOffline  atomic.Uint64
}

// New creates a listener that writes into registry and cache. cache may be
// nil when announcements need not be kept.
func New(cfg Config, registry *device.Registry, cache *device.ConfigCache) *Listener {
	cfg.applyDefaults()
	return &Listener{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the listener.
func (l *Listener) SetLogger(logger Logger) {
	l.logger = logger
}

// OnConfiguration registers fn for every accepted announcement.
func (l *Listener) OnConfiguration(fn ConfigurationHandler) {
	l.onConfigMu.Lock()
	defer l.onConfigMu.Unlock()
	l.onConfig = fn
}

// Start binds both sockets and launches the receive loops. Loops run until
// Stop is called or ctx is cancelled.
//
// Returns:
//   - error: ErrAlreadyRunning, or ErrBindFailed if either port is unavailable
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}

	configConn, err := listen(l.cfg.BindHost, l.cfg.ConfigPort)
	if err != nil {
		return fmt.Errorf("%w: config port %d: %w", ErrBindFailed, l.cfg.ConfigPort, err)
	}
	statusConn, err := listen(l.cfg.BindHost, l.cfg.StatusPort)
	if err != nil {
		configConn.Close()
		return fmt.Errorf("%w: status port %d: %w", ErrBindFailed, l.cfg.StatusPort, err)
	}

	l.configConn = configConn
	l.statusConn = statusConn
	l.done = newCloseOnce()
	l.running = true

	l.wg.Add(2)
	go l.receiveLoop(configConn, "config", l.handleAnnouncement)
	go l.receiveLoop(statusConn, "status", l.handleBeacon)

	if l.cfg.LivenessTimeout > 0 {
		l.wg.Add(1)
		go l.livenessLoop()
	}

	done := l.done
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done.Done():
		}
	}()

	l.logger.Info("discovery listener started",
		"config_addr", configConn.LocalAddr().String(),
		"status_addr", statusConn.LocalAddr().String(),
		"register_on_beacon", l.cfg.RegisterOnBeacon,
		"liveness_timeout", l.cfg.LivenessTimeout,
	)
	return nil
}

func listen(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}

// Stop signals both loops, waits for them to exit and closes the sockets.
// It is safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.done.Close()
	configConn, statusConn := l.configConn, l.statusConn
	l.mu.Unlock()

	l.wg.Wait()

	configConn.Close()
	statusConn.Close()

	l.logger.Info("discovery listener stopped")
}

// ConfigAddr returns the bound configuration-channel address, or nil when stopped.
func (l *Listener) ConfigAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	return l.configConn.LocalAddr().(*net.UDPAddr)
}

// StatusAddr returns the bound status-channel address, or nil when stopped.
func (l *Listener) StatusAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	return l.statusConn.LocalAddr().(*net.UDPAddr)
}

// Running reports whether the loops are active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns a snapshot of the datagram counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Announcements:  l.announcements.Load(),
		Beacons:        l.beacons.Load(),
		UnknownBeacons: l.unknownBeacons.Load(),
		DecodeErrors:   l.decodeErrors.Load(),
		Recovered:      l.recovered.Load(),
		MarkedOffline:  l.markedOffline.Load(),
	}
}

// receiveLoop polls conn until Stop. Each receive is bounded by the poll
// interval; nothing that happens to one datagram ends the loop.
func (l *Listener) receiveLoop(conn *net.UDPConn, channel string, handle func(message, *net.UDPAddr)) {
	defer l.wg.Done()

	buf := make([]byte, l.cfg.ReadBufferSize)
	done := l.done.Done()

	for {
		select {
		case <-done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.PollInterval)); err != nil {
			l.logger.Error("set read deadline", "channel", channel, "error", err)
			return
		}

		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("udp receive failed", "channel", channel, "error", err)
			continue
		}

		l.process(buf[:n], remote, channel, handle)
	}
}

// process decodes one datagram and hands it to handle, containing any panic.
func (l *Listener) process(data []byte, remote *net.UDPAddr, channel string, handle func(message, *net.UDPAddr)) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered.Add(1)
			l.logger.Error("datagram handler panicked", "channel", channel, "remote", remote.String(), "panic", r)
		}
	}()

	m, err := decodeMessage(data)
	if err != nil {
		l.decodeErrors.Add(1)
		l.logger.Warn("dropping datagram", "channel", channel, "remote", remote.String(), "bytes", len(data), "error", err)
		return
	}

	l.logger.Debug("datagram received", "channel", channel, "remote", remote.String(), "bytes", len(data))
	handle(m, remote)
}

// handleAnnouncement processes a configuration-channel message. The device
// is identified by its IP key, not by the datagram source.
func (l *Listener) handleAnnouncement(m message, _ *net.UDPAddr) {
	ip := m.str("IP")
	if ip == nil || *ip == "" {
		l.decodeErrors.Add(1)
		l.logger.Warn("dropping announcement", "error", ErrMissingIP)
		return
	}

	address, err := device.NormalizeAddress(*ip)
	if err != nil {
		l.decodeErrors.Add(1)
		l.logger.Warn("dropping announcement", "ip", *ip, "error", err)
		return
	}

	now := l.now()
	if _, err := l.registry.Upsert(address, announcementPatch(m), device.SourceConfig, now); err != nil {
		l.logger.Warn("registry upsert failed", "address", address, "error", err)
		return
	}
	l.announcements.Add(1)

	cfg := configurationFrom(m)
	cfg.IP = address
	if l.cache != nil {
		l.cache.Put(address, cfg, now)
	}

	l.onConfigMu.RLock()
	fn := l.onConfig
	l.onConfigMu.RUnlock()
	if fn != nil {
		fn(address, cfg)
	}
}

// handleBeacon processes a status-channel message keyed by the datagram
// source address.
func (l *Listener) handleBeacon(m message, remote *net.UDPAddr) {
	address := remote.IP.String()
	p := statusPatch(m)
	now := l.now()

	if l.cfg.RegisterOnBeacon {
		if _, err := l.registry.Upsert(address, p, device.SourceStatus, now); err != nil {
			l.logger.Warn("registry upsert failed", "address", address, "error", err)
			return
		}
		l.beacons.Add(1)
		return
	}

	found, err := l.registry.Update(address, p, device.SourceStatus, now)
	if err != nil {
		l.logger.Warn("registry update failed", "address", address, "error", err)
		return
	}
	if !found {
		l.unknownBeacons.Add(1)
		l.logger.Debug("beacon from unknown device dropped", "address", address)
		return
	}
	l.beacons.Add(1)
}

// livenessLoop marks silent devices offline on a ticker.
func (l *Listener) livenessLoop() {
	defer l.wg.Done()

	interval := l.cfg.LivenessTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := l.done.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Listener) sweep() {
	stale := l.registry.MarkStale(l.now(), l.cfg.LivenessTimeout)
	if len(stale) == 0 {
		return
	}
	l.markedOffline.Add(uint64(len(stale)))
	l.logger.Info("devices marked offline", "count", len(stale), "addresses", stale)
}
