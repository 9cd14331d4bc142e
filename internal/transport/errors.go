package transport

import "errors"

// Sentinel errors for transport operations.
var (
	// ErrTimeout is returned by ReadLine when no data arrived within the timeout.
	ErrTimeout = errors.New("transport: read timed out")

	// ErrClosed is returned after the stream was closed or the peer hung up.
	ErrClosed = errors.New("transport: stream closed")

	// ErrOpen is returned when a TCP connection or serial port cannot be opened.
	ErrOpen = errors.New("transport: open failed")

	// ErrWrite is returned when a line could not be written.
	ErrWrite = errors.New("transport: write failed")

	// ErrUnsupportedScheme is returned by Open for URLs other than tcp:// and serial://.
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
)
