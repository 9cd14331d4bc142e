package transport

import "time"

// Transport is a line-oriented duplex channel to one miner's command port.
//
// Implementations must be safe for one writer and one reader at a time;
// the command client serialises its own calls.
type Transport interface {
	// WriteLine sends line followed by the CRLF terminator.
	WriteLine(line string) error

	// ReadLine waits up to timeout for the next line. A trailing fragment
	// with no terminator is returned once the timeout expires. ErrTimeout
	// means nothing at all arrived.
	ReadLine(timeout time.Duration) (string, error)

	// Pending reports how many lines (including a partial fragment) are
	// buffered and can be read without waiting.
	Pending() int

	// Discard drops all buffered input and returns the number of lines dropped.
	Discard() int

	// Close releases the underlying connection.
	Close() error
}

// LineTerminator is appended to every written command.
const LineTerminator = "\r\n"
