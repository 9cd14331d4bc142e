package command

// Result is the typed outcome of a synchronous command. It is one of
// *Status, *ConfigSnapshot, *WiFiProvisioning or *Failure.
type Result interface {
	// Kind names the concrete result for serialisation.
	Kind() string
	isResult()
}

// DeviceState is the firmware state inferred from a reply.
type DeviceState string

const (
	StateConfiguring  DeviceState = "configuring"
	StateInitializing DeviceState = "initializing"
	StateConnecting   DeviceState = "connecting"
	StateConnected    DeviceState = "connected"
	StateOnline       DeviceState = "online"
	StateSaved        DeviceState = "saved"
)

// Status is a minimal device snapshot from the "status" command. Mining
// metrics arrive asynchronously over the status channel, so the numeric
// fields stay zero on this path.
type Status struct {
	DeviceID    string      `json:"device_id"`
	State       DeviceState `json:"status"`
	HashRate    float64     `json:"hash_rate"`
	Temperature float64     `json:"temperature"`
	FanSpeed    int         `json:"fan_speed"`
	IsMining    bool        `json:"is_mining"`
	TimeLeft    int         `json:"time_left,omitempty"`
	FirmwareMD5 string      `json:"firmware_md5,omitempty"`
	Detail      string      `json:"detail,omitempty"`

	// Recognized is false when the reply matched no known pattern and the
	// generic online status was returned.
	Recognized bool `json:"recognized"`
}

// ConfigSnapshot is what GetConfig learned about the device.
type ConfigSnapshot struct {
	State       DeviceState `json:"status"`
	TimeLeft    int         `json:"wifi_config_time,omitempty"`
	FirmwareMD5 string      `json:"firmware_md5,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// WiFiProvisioning reports WiFi state or the outcome of ConfigureWiFi.
type WiFiProvisioning struct {
	State     DeviceState `json:"status"`
	TimeLeft  int         `json:"time_left,omitempty"`
	SSID      string      `json:"ssid,omitempty"`
	Confirmed bool        `json:"confirmed"`
	Detail    string      `json:"detail,omitempty"`
}

// FailureReason classifies a failed command.
type FailureReason string

const (
	// ReasonTransport means the command could not be written or the link dropped.
	ReasonTransport FailureReason = "transport"

	// ReasonTimeout means nothing came back in time. Callers may fall back to defaults.
	ReasonTimeout FailureReason = "timeout"

	// ReasonAmbiguous means a reply arrived but matched no expected wording.
	// The command may still have taken effect.
	ReasonAmbiguous FailureReason = "ambiguous"

	// ReasonInvalid means the request was rejected before sending.
	ReasonInvalid FailureReason = "invalid"
)

// Failure is a command that did not produce a recognised result.
type Failure struct {
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
	Err    error         `json:"-"`
}

// Error implements error so a Failure can be returned or wrapped directly.
func (f *Failure) Error() string {
	msg := "command: " + string(f.Reason)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying transport error, if any.
func (f *Failure) Unwrap() error { return f.Err }

func (*Status) Kind() string           { return "status" }
func (*ConfigSnapshot) Kind() string   { return "config" }
func (*WiFiProvisioning) Kind() string { return "wifi" }
func (*Failure) Kind() string          { return "failure" }

func (*Status) isResult()           {}
func (*ConfigSnapshot) isResult()   {}
func (*WiFiProvisioning) isResult() {}
func (*Failure) isResult()          {}
