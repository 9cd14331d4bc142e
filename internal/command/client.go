package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/nerrad567/nmfleet/internal/transport"
)

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Default timings.
const (
	DefaultResponseTimeout = time.Second
	DefaultSettleDelay     = 500 * time.Millisecond

	// drainWindow bounds how long ReadResponse waits for follow-on lines
	// once the first line has arrived.
	drainWindow = 50 * time.Millisecond
)

// Client issues text commands to one miner over a line transport.
//
// Commands are serialised: each one discards stale input, writes the
// command, then reads the reply. Any console-side interpretation of
// the reply happens after the lock is released.
type Client struct {
	mu sync.Mutex
	t  transport.Transport

	responseTimeout time.Duration
	settleDelay     time.Duration
	sleep           func(time.Duration)
	logger          Logger
}

// Option configures a Client.
type Option func(*Client)

// WithResponseTimeout sets how long to wait for a reply.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithSettleDelay sets the pause between sending WiFi credentials and
// reading the confirmation.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// withSleep replaces time.Sleep in tests.
func withSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient wraps t. The client does not own t; callers close it.
func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		t:               t,
		responseTimeout: DefaultResponseTimeout,
		settleDelay:     DefaultSettleDelay,
		sleep:           time.Sleep,
		logger:          noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendCommand discards any stale input and writes text followed by CRLF.
func (c *Client) SendCommand(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(text)
}

// ReadResponse waits up to timeout for a reply and returns it with ANSI
// escape sequences removed. Lines already buffered behind the first one
// are joined with "\n". ErrNoResponse means nothing usable arrived.
func (c *Client) ReadResponse(timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(timeout)
}

func (c *Client) send(text string) error {
	if n := c.t.Discard(); n > 0 {
		c.logger.Debug("discarded stale input", "lines", n)
	}
	if err := c.t.WriteLine(text); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrSendFailed, text, err)
	}
	c.logger.Debug("command sent", "command", text)
	return nil
}

func (c *Client) read(timeout time.Duration) (string, error) {
	first, err := c.t.ReadLine(timeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return "", ErrNoResponse
		}
		return "", err
	}

	lines := appendClean(nil, first)
	for c.t.Pending() > 0 {
		line, err := c.t.ReadLine(drainWindow)
		if err != nil {
			break
		}
		lines = appendClean(lines, line)
	}

	if len(lines) == 0 {
		return "", ErrNoResponse
	}
	return strings.Join(lines, "\n"), nil
}

func appendClean(lines []string, raw string) []string {
	if s := strings.TrimSpace(ansi.Strip(raw)); s != "" {
		return append(lines, s)
	}
	return lines
}

// exchange sends text and reads one reply under a single lock hold.
func (c *Client) exchange(text string) (string, *Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(text); err != nil {
		return "", &Failure{Reason: ReasonTransport, Detail: text, Err: err}
	}
	reply, err := c.read(c.responseTimeout)
	if err != nil {
		return "", failureFor(text, err)
	}
	return reply, nil
}

func failureFor(text string, err error) *Failure {
	if errors.Is(err, ErrNoResponse) {
		return &Failure{Reason: ReasonTimeout, Detail: text}
	}
	return &Failure{Reason: ReasonTransport, Detail: text, Err: err}
}

// GetStatus sends "status" and classifies the reply.
//
// Returns:
//   - *Status for any reply, with Recognized false for unknown wording
//   - *Failure with ReasonTimeout or ReasonTransport otherwise
func (c *Client) GetStatus() Result {
	reply, f := c.exchange("status")
	if f != nil {
		return f
	}
	cls := Classify(reply)
	if cls.Rule == "" {
		c.logger.Debug("unrecognised status reply", "reply", reply)
	}
	return statusFrom(cls)
}

// GetConfig inspects the status reply for provisioning, firmware or
// connecting state. When none match it sends "config" and reports the
// raw reply as a configuring snapshot.
func (c *Client) GetConfig() Result {
	reply, f := c.exchange("status")
	if f != nil {
		return f
	}

	cls := Classify(reply)
	switch cls.State {
	case StateConfiguring:
		return &ConfigSnapshot{State: StateConfiguring, TimeLeft: cls.TimeLeft}
	case StateInitializing:
		return &ConfigSnapshot{State: StateInitializing, FirmwareMD5: cls.FirmwareMD5}
	case StateConnecting:
		return &ConfigSnapshot{State: StateConnecting, Message: reply}
	}

	reply, f = c.exchange("config")
	if f != nil {
		return f
	}
	return &ConfigSnapshot{State: StateConfiguring, Message: reply}
}

// GetWiFiStatus reports whether the device is in its provisioning window
// or connected to a network.
func (c *Client) GetWiFiStatus() Result {
	reply, f := c.exchange("status")
	if f != nil {
		return f
	}

	if strings.Contains(reply, phraseWiFiTimeLeft) {
		return &WiFiProvisioning{State: StateConfiguring, TimeLeft: parseTimeLeft(reply), Detail: reply}
	}
	if i := strings.Index(reply, phraseConnectedTo); i >= 0 {
		ssid := strings.TrimSpace(reply[i+len(phraseConnectedTo):])
		if nl := strings.IndexByte(ssid, '\n'); nl >= 0 {
			ssid = strings.TrimSpace(ssid[:nl])
		}
		return &WiFiProvisioning{State: StateConnected, SSID: ssid, Confirmed: true}
	}
	return &Failure{Reason: ReasonAmbiguous, Detail: reply}
}

// wifiCredentials is the JSON line accepted during provisioning.
type wifiCredentials struct {
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
	BTC      string `json:"btc,omitempty"`
}

// ConfigureWiFi sends the credentials as one JSON line, waits for the
// device to persist them, then drains every available line.
//
// Parameters:
//   - ssid, password: network credentials; empty values are omitted
//   - btc: optional payout address
//
// Returns:
//   - *WiFiProvisioning with Confirmed true only when the device echoes
//     both "Save Wifi SSID" and "Save Wifi Password"
//   - *Failure with ReasonAmbiguous when some other reply arrived; the
//     credentials may still have been stored
func (c *Client) ConfigureWiFi(ssid, password, btc string) Result {
	creds := wifiCredentials{SSID: ssid, Password: password, BTC: btc}
	if creds == (wifiCredentials{}) {
		return &Failure{Reason: ReasonInvalid, Detail: "no credentials given"}
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return &Failure{Reason: ReasonInvalid, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(string(payload)); err != nil {
		return &Failure{Reason: ReasonTransport, Detail: "wifi credentials", Err: err}
	}
	c.sleep(c.settleDelay)

	reply, err := c.read(c.responseTimeout)
	if err != nil {
		return failureFor("wifi credentials", err)
	}

	if !wifiConfirmed(reply) {
		c.logger.Warn("wifi credentials not confirmed", "reply", reply)
		return &Failure{Reason: ReasonAmbiguous, Detail: reply}
	}
	return &WiFiProvisioning{State: StateSaved, SSID: ssid, Confirmed: true, Detail: reply}
}

// StartMining sends "start".
func (c *Client) StartMining() error { return c.SendCommand("start") }

// StopMining sends "stop".
func (c *Client) StopMining() error { return c.SendCommand("stop") }

// Reboot sends "reboot". The device drops the link while restarting.
func (c *Client) Reboot() error { return c.SendCommand("reboot") }

// SetFanSpeed sends "fan <speed>" for speeds in 0..100.
func (c *Client) SetFanSpeed(speed int) error {
	if speed < 0 || speed > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidFanSpeed, speed)
	}
	return c.SendCommand(fmt.Sprintf("fan %d", speed))
}
