package push

import "errors"

// Sentinel errors for configuration pushes.
var (
	// ErrMissingWiFiCredentials is returned when SSID or password is empty.
	ErrMissingWiFiCredentials = errors.New("push: missing wifi credentials")

	// ErrInvalidTarget is returned when the configuration IP is not an address.
	ErrInvalidTarget = errors.New("push: invalid target address")

	// ErrSendFailed wraps socket errors during a push.
	ErrSendFailed = errors.New("push: send failed")

	// ErrNoReply is returned by RequestConfig when the device stays silent.
	ErrNoReply = errors.New("push: no reply from device")
)
