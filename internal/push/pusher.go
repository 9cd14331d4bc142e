package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/nmfleet/internal/device"
)

// Logger defines the logging interface used by the Pusher.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Default push settings. Ten datagrams 100 ms apart is what deployed
// firmware has been tuned against; there is no acknowledgement.
const (
	DefaultPort             = 12347
	DefaultAttempts         = 10
	DefaultInterval         = 100 * time.Millisecond
	DefaultBroadcastAddress = "255.255.255.255"
	DefaultReplyTimeout     = time.Second
)

// SourceAPI marks pushes requested through the HTTP API in the audit log.
const SourceAPI = "api"

// Config holds pusher settings.
type Config struct {
	Port             int
	Attempts         int
	Interval         time.Duration
	BroadcastAddress string
	ReplyTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BroadcastAddress == "" {
		c.BroadcastAddress = DefaultBroadcastAddress
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
}

// Report describes one completed push. Sent counts datagrams the local
// socket accepted; it says nothing about whether the device applied them.
type Report struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Broadcast  bool      `json:"broadcast"`
	Source     string    `json:"source"`
	WiFiSSID   string    `json:"wifi_ssid"`
	Attempts   int       `json:"attempts"`
	Sent       int       `json:"sent"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Recorder persists push reports.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Pusher delivers configuration records over UDP by redundant transmission.
type Pusher struct {
	cfg      Config
	recorder Recorder
	logger   Logger

	listen func() (net.PacketConn, error)
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates a Pusher.
func New(cfg Config) *Pusher {
	cfg.applyDefaults()
	return &Pusher{
		cfg:    cfg,
		logger: noopLogger{},
		listen: func() (net.PacketConn, error) { return net.ListenPacket("udp4", ":0") },
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// SetLogger sets the logger for the pusher.
func (p *Pusher) SetLogger(logger Logger) {
	p.logger = logger
}

// SetRecorder sets where reports are persisted. Recording failures are
// logged and do not fail the push.
func (p *Pusher) SetRecorder(r Recorder) {
	p.recorder = r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Push serialises cfg and sends it Attempts times, Interval apart, to the
// device at cfg.IP or to the broadcast address when cfg.IP is "0.0.0.0".
//
// Only the WiFi SSID and password are validated; the firmware checks
// everything else.
//
// Parameters:
//   - ctx: cancellation is checked between datagrams
//   - cfg: the configuration to deliver
//   - source: who asked, recorded in the report
//
// Returns:
//   - Report: always populated once sending has started
//   - error: ErrMissingWiFiCredentials, ErrInvalidTarget, ErrSendFailed or ctx.Err()
func (p *Pusher) Push(ctx context.Context, cfg device.Configuration, source string) (Report, error) {
	if strings.TrimSpace(cfg.WiFiSSID) == "" || cfg.WiFiPWD == "" {
		return Report{}, ErrMissingWiFiCredentials
	}

	target, broadcast, err := p.resolve(cfg)
	if err != nil {
		return Report{}, err
	}
	if broadcast {
		cfg.IP = device.BroadcastAddress
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return Report{}, fmt.Errorf("push: encode configuration: %w", err)
	}

	report := Report{
		ID:        "push-" + uuid.NewString(),
		Target:    target.String(),
		Broadcast: broadcast,
		Source:    source,
		WiFiSSID:  cfg.WiFiSSID,
		Attempts:  p.cfg.Attempts,
		StartedAt: p.now().UTC(),
	}

	sendErr := p.send(ctx, target, payload, &report)
	report.FinishedAt = p.now().UTC()
	report.Message = sentMessage(cfg.IP, broadcast, report.Sent, report.Attempts)
	if sendErr != nil {
		report.Error = sendErr.Error()
		p.logger.Warn("configuration push incomplete",
			"id", report.ID, "target", report.Target, "sent", report.Sent, "error", sendErr)
	} else {
		p.logger.Info("configuration pushed",
			"id", report.ID, "target", report.Target, "broadcast", broadcast, "datagrams", report.Sent)
	}

	if p.recorder != nil {
		if err := p.recorder.Record(context.WithoutCancel(ctx), report); err != nil {
			p.logger.Warn("recording push failed", "id", report.ID, "error", err)
		}
	}

	return report, sendErr
}

func (p *Pusher) resolve(cfg device.Configuration) (*net.UDPAddr, bool, error) {
	host := p.cfg.BroadcastAddress
	broadcast := cfg.IsBroadcast()
	if !broadcast {
		addr, err := device.NormalizeAddress(cfg.IP)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidTarget, cfg.IP)
		}
		host = addr
	}

	target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(p.cfg.Port)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	return target, broadcast, nil
}

// send writes payload Attempts times. Each datagram is independent; a
// socket error stops the run.
func (p *Pusher) send(ctx context.Context, target *net.UDPAddr, payload []byte, report *Report) error {
	conn, err := p.listen()
	if err != nil {
		return fmt.Errorf("%w: open socket: %w", ErrSendFailed, err)
	}
	defer conn.Close()

	for i := range p.cfg.Attempts {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.Interval); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := conn.WriteTo(payload, target); err != nil {
			return fmt.Errorf("%w: datagram %d: %w", ErrSendFailed, i+1, err)
		}
		report.Sent++
	}
	return nil
}

// sentMessage words the outcome as "sent", never "applied".
func sentMessage(ip string, broadcast bool, sent, attempts int) string {
	who := ip
	if broadcast {
		who = "all devices (broadcast)"
	}
	return fmt.Sprintf("configuration sent to %s (%d/%d datagrams)", who, sent, attempts)
}

// getConfigRequest asks a device to answer with its current configuration.
var getConfigRequest = []byte(`{"command":"get_config"}`)

// RequestConfig asks the device at address for its configuration and waits
// up to ReplyTimeout for a JSON reply. Keys the device omits keep their
// factory defaults. Older firmware ignores the request, which surfaces as
// ErrNoReply.
func (p *Pusher) RequestConfig(ctx context.Context, address string) (device.Configuration, error) {
	addr, err := device.NormalizeAddress(address)
	if err != nil {
		return device.Configuration{}, fmt.Errorf("%w: %q", ErrInvalidTarget, address)
	}
	target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, strconv.Itoa(p.cfg.Port)))
	if err != nil {
		return device.Configuration{}, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	conn, err := p.listen()
	if err != nil {
		return device.Configuration{}, fmt.Errorf("%w: open socket: %w", ErrSendFailed, err)
	}
	defer conn.Close()

	if _, err := conn.WriteTo(getConfigRequest, target); err != nil {
		return device.Configuration{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	deadline := time.Now().Add(p.cfg.ReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return device.Configuration{}, fmt.Errorf("push: set read deadline: %w", err)
	}

	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return device.Configuration{}, fmt.Errorf("%w: %s", ErrNoReply, addr)
		}
		if udp, ok := from.(*net.UDPAddr); ok && !udp.IP.Equal(target.IP) {
			continue
		}

		cfg := device.DefaultConfiguration()
		if err := json.Unmarshal(buf[:n], &cfg); err != nil {
			p.logger.Warn("ignoring malformed config reply", "address", addr, "error", err)
			continue
		}
		cfg.IP = addr
		return cfg, nil
	}
}
