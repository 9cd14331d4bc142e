package discovery

import "errors"

// Sentinel errors for the discovery listener.
var (
	// ErrAlreadyRunning is returned by Start on a running listener.
	ErrAlreadyRunning = errors.New("discovery: listener already running")

	// ErrBindFailed wraps socket bind errors.
	ErrBindFailed = errors.New("discovery: bind failed")

	// ErrInvalidUTF8 marks a datagram that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("discovery: datagram is not valid UTF-8")

	// ErrInvalidJSON marks a datagram that is not a JSON object.
	ErrInvalidJSON = errors.New("discovery: datagram is not a JSON object")

	// ErrMissingIP marks a configuration announcement without an IP key.
	ErrMissingIP = errors.New("discovery: announcement missing IP")
)
