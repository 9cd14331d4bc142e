package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize is the number of complete lines buffered before the
	// oldest is dropped.
	DefaultQueueSize = 256

	// DefaultMaxLineLength bounds a single line. Longer lines are dropped.
	DefaultMaxLineLength = 4096

	defaultWriteTimeout = time.Second
	readChunkSize       = 512
)

// deadlineWriter is implemented by net.Conn.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// LineStream adapts an io.ReadWriteCloser into a Transport. A background
// goroutine splits incoming bytes on '\n' (a preceding '\r' is removed)
// and queues complete lines.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type LineStream struct {
	name string
	rwc  io.ReadWriteCloser

	lines   chan string
	maxLine int

	partialMu sync.Mutex
	partial   []byte
	overlong  bool

	writeMu      sync.Mutex
	writeTimeout time.Duration

	dropped atomic.Int64

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
	closeErr  error
}

// StreamOption configures a LineStream.
type StreamOption func(*LineStream)

// WithQueueSize sets how many complete lines are buffered.
func WithQueueSize(n int) StreamOption {
	return func(s *LineStream) {
		if n > 0 {
			s.lines = make(chan string, n)
		}
	}
}

// WithMaxLineLength sets the longest accepted line in bytes.
func WithMaxLineLength(n int) StreamOption {
	return func(s *LineStream) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

// WithWriteTimeout bounds each WriteLine when the stream supports deadlines.
func WithWriteTimeout(d time.Duration) StreamOption {
	return func(s *LineStream) {
		s.writeTimeout = d
	}
}

// NewLineStream starts reading from rwc immediately. name identifies the
// peer in errors (e.g. "tcp://192.168.1.40:12345").
func NewLineStream(name string, rwc io.ReadWriteCloser, opts ...StreamOption) *LineStream {
	s := &LineStream{
		name:         name,
		rwc:          rwc,
		lines:        make(chan string, DefaultQueueSize),
		maxLine:      DefaultMaxLineLength,
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

// Name returns the peer description given at construction.
func (s *LineStream) Name() string {
	return s.name
}

// Dropped returns how many lines were discarded for exceeding the maximum
// length or overflowing the queue.
func (s *LineStream) Dropped() int64 {
	return s.dropped.Load()
}

func (s *LineStream) readLoop() {
	defer close(s.done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			s.ingest(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.readErr = fmt.Errorf("%w: %s: peer closed", ErrClosed, s.name)
			} else {
				s.readErr = fmt.Errorf("%w: %s: %w", ErrClosed, s.name, err)
			}
			return
		}
		// Serial ports return (0, nil) when their read timeout elapses.
	}
}

func (s *LineStream) ingest(data []byte) {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.appendPartial(data)
			return
		}
		s.appendPartial(data[:i])
		data = data[i+1:]

		if s.overlong {
			s.dropped.Add(1)
		} else {
			s.enqueue(string(bytes.TrimSuffix(s.partial, []byte{'\r'})))
		}
		s.partial = s.partial[:0]
		s.overlong = false
	}
}

// appendPartial must be called with partialMu held.
func (s *LineStream) appendPartial(b []byte) {
	if s.overlong {
		return
	}
	if len(s.partial)+len(b) > s.maxLine {
		s.overlong = true
		s.partial = s.partial[:0]
		return
	}
	s.partial = append(s.partial, b...)
}

// enqueue drops the oldest queued line when the queue is full.
func (s *LineStream) enqueue(line string) {
	for {
		select {
		case s.lines <- line:
			return
		default:
		}
		select {
		case <-s.lines:
			s.dropped.Add(1)
		default:
		}
	}
}

// takePartial returns and clears a buffered unterminated fragment.
func (s *LineStream) takePartial() (string, bool) {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()

	if len(s.partial) == 0 || s.overlong {
		return "", false
	}
	line := string(bytes.TrimSuffix(s.partial, []byte{'\r'}))
	s.partial = s.partial[:0]
	return line, true
}

// WriteLine implements Transport.
func (s *LineStream) WriteLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	if dw, ok := s.rwc.(deadlineWriter); ok && s.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(s.writeTimeout)) //nolint:errcheck // Unsupported deadlines are ignored
	}
	if _, err := io.WriteString(s.rwc, line+LineTerminator); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, s.name, err)
	}
	return nil
}

// ReadLine implements Transport.
func (s *LineStream) ReadLine(timeout time.Duration) (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-s.lines:
		return line, nil
	case <-timer.C:
		if line, ok := s.takePartial(); ok {
			return line, nil
		}
		return "", ErrTimeout
	case <-s.done:
		select {
		case line := <-s.lines:
			return line, nil
		default:
		}
		if line, ok := s.takePartial(); ok {
			return line, nil
		}
		return "", s.closedErr()
	}
}

func (s *LineStream) closedErr() error {
	if s.readErr != nil {
		return s.readErr
	}
	return fmt.Errorf("%w: %s", ErrClosed, s.name)
}

// Pending implements Transport.
func (s *LineStream) Pending() int {
	n := len(s.lines)
	s.partialMu.Lock()
	if len(s.partial) > 0 && !s.overlong {
		n++
	}
	s.partialMu.Unlock()
	return n
}

// Discard implements Transport.
func (s *LineStream) Discard() int {
	n := 0
	for {
		select {
		case <-s.lines:
			n++
		default:
			if _, ok := s.takePartial(); ok {
				n++
			}
			return n
		}
	}
}

// Close implements Transport. It is safe to call more than once.
func (s *LineStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}
