package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the firmware's console speed.
	DefaultBaudRate = 115200

	// serialPollTimeout lets the serial reader notice Close.
	serialPollTimeout = 100 * time.Millisecond

	defaultDialTimeout = 2 * time.Second
)

// DialTCP connects to a miner's command port, e.g. "192.168.1.40:12345".
func DialTCP(ctx context.Context, address string, timeout time.Duration) (*LineStream, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: tcp %s: %w", ErrOpen, address, err)
	}
	return NewLineStream("tcp://"+address, conn), nil
}

// OpenSerial opens port at baud, 8N1.
func OpenSerial(port string, baud int) (*LineStream, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %w", ErrOpen, port, err)
	}
	if err := p.SetReadTimeout(serialPollTimeout); err != nil {
		p.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: serial %s: setting read timeout: %w", ErrOpen, port, err)
	}
	_ = p.ResetInputBuffer() //nolint:errcheck // Stale boot output is harmless
	return NewLineStream("serial://"+port, p), nil
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}

// Endpoint is a parsed transport URL.
type Endpoint struct {
	Scheme  string // "tcp" or "serial"
	Address string // host:port, or serial device path
	Baud    int
}

// ParseURL accepts tcp://host:port and serial:///dev/ttyUSB0?baud=115200
// (serial://COM3 on Windows). A tcp URL without a port uses defaultPort.
func ParseURL(raw string, defaultPort int) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid transport URL: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid transport URL %q: missing host", raw)
		}
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), strconv.Itoa(defaultPort))
		}
		return Endpoint{Scheme: "tcp", Address: host}, nil
	case "serial":
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid transport URL %q: missing port", raw)
		}
		baud := DefaultBaudRate
		if b := u.Query().Get("baud"); b != "" {
			n, err := strconv.Atoi(b)
			if err != nil || n <= 0 {
				return Endpoint{}, fmt.Errorf("invalid transport URL %q: bad baud %q", raw, b)
			}
			baud = n
		}
		return Endpoint{Scheme: "serial", Address: path, Baud: baud}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w %q (use tcp or serial)", ErrUnsupportedScheme, u.Scheme)
	}
}

// Open parses raw with ParseURL and opens the matching transport.
func Open(ctx context.Context, raw string, defaultPort int, timeout time.Duration) (*LineStream, error) {
	ep, err := ParseURL(raw, defaultPort)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == "serial" {
		return OpenSerial(ep.Address, ep.Baud)
	}
	return DialTCP(ctx, ep.Address, timeout)
}
