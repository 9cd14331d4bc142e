package command

import "errors"

// Sentinel errors for command operations.
var (
	// ErrNoResponse is returned by ReadResponse when nothing arrived in time.
	ErrNoResponse = errors.New("command: no response")

	// ErrSendFailed wraps transport write failures.
	ErrSendFailed = errors.New("command: send failed")

	// ErrInvalidFanSpeed is returned for fan speeds outside 0..100.
	ErrInvalidFanSpeed = errors.New("command: fan speed must be between 0 and 100")
)
