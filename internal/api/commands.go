package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/nmfleet/internal/command"
	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/transport"
)

// Command names accepted by the command endpoints.
const (
	CmdStatus     = "status"
	CmdConfig     = "config"
	CmdWiFiStatus = "wifi_status"
	CmdWiFi       = "wifi"
	CmdStart      = "start"
	CmdStop       = "stop"
	CmdReboot     = "reboot"
	CmdFan        = "fan"
)

// commandRequest is the body of POST .../commands.
type commandRequest struct {
	Command  string `json:"command"`
	Speed    *int   `json:"speed,omitempty"`
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
	BTC      string `json:"btc,omitempty"`
}

// commandResponse wraps a command.Result for JSON.
type commandResponse struct {
	Command string         `json:"command"`
	Kind    string         `json:"kind"`
	Result  command.Result `json:"result,omitempty"`
	Sent    bool           `json:"sent,omitempty"`
	Warning string         `json:"warning,omitempty"`
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return req, false
	}
	switch req.Command {
	case CmdStatus, CmdConfig, CmdWiFiStatus, CmdWiFi, CmdStart, CmdStop, CmdReboot:
	case CmdFan:
		if req.Speed == nil {
			writeValidation(w, "fan requires speed")
			return req, false
		}
	default:
		writeValidation(w, fmt.Sprintf("unknown command %q", req.Command))
		return req, false
	}
	return req, true
}

// handleDeviceCommand runs one command against a device's TCP command port.
// Any reply, even an unrecognised one, marks the device online.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	address, err := device.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	t, err := s.dial(r.Context(), address)
	if err != nil {
		s.logger.Warn("command dial failed", "address", address, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, "cannot reach device: "+err.Error())
		return
	}
	defer t.Close()

	status, resp := s.execute(t, req)
	if status == http.StatusOK {
		if _, err := s.registry.Upsert(address, device.Patch{}, device.SourceQuery, time.Now()); err != nil {
			s.logger.Warn("registry upsert after command failed", "address", address, "error", err)
		}
	}
	writeJSON(w, status, resp)
}

// execute runs req over t and maps the outcome to an HTTP status.
func (s *Server) execute(t transport.Transport, req commandRequest) (int, commandResponse) {
	client := command.NewClient(t,
		command.WithResponseTimeout(time.Duration(s.cmdCfg.ResponseTimeoutMS)*time.Millisecond),
		command.WithSettleDelay(time.Duration(s.cmdCfg.SettleDelayMS)*time.Millisecond),
		command.WithLogger(s.logger.With("component", "command")),
	)

	var res command.Result
	switch req.Command {
	case CmdStatus:
		res = client.GetStatus()
	case CmdConfig:
		res = client.GetConfig()
	case CmdWiFiStatus:
		res = client.GetWiFiStatus()
	case CmdWiFi:
		res = client.ConfigureWiFi(req.SSID, req.Password, req.BTC)
	default:
		return s.executeSimple(client, req)
	}
	return resultStatus(req.Command, res)
}

func (s *Server) executeSimple(client *command.Client, req commandRequest) (int, commandResponse) {
	var err error
	switch req.Command {
	case CmdStart:
		err = client.StartMining()
	case CmdStop:
		err = client.StopMining()
	case CmdReboot:
		err = client.Reboot()
	case CmdFan:
		err = client.SetFanSpeed(*req.Speed)
	}

	resp := commandResponse{Command: req.Command, Kind: "sent", Sent: err == nil}
	switch {
	case err == nil:
		return http.StatusOK, resp
	case errors.Is(err, command.ErrInvalidFanSpeed):
		resp.Kind = "failure"
		resp.Result = &command.Failure{Reason: command.ReasonInvalid, Detail: err.Error()}
		return http.StatusBadRequest, resp
	default:
		resp.Kind = "failure"
		resp.Result = &command.Failure{Reason: command.ReasonTransport, Err: err, Detail: err.Error()}
		return http.StatusBadGateway, resp
	}
}

// resultStatus maps a Result to an HTTP status. Ambiguous replies are not
// errors; they come back 200 with a warning for the operator.
func resultStatus(cmd string, res command.Result) (int, commandResponse) {
	resp := commandResponse{Command: cmd, Kind: res.Kind(), Result: res}

	f, ok := res.(*command.Failure)
	if !ok {
		if st, isStatus := res.(*command.Status); isStatus && !st.Recognized {
			resp.Warning = "unrecognised status reply; reporting device as online"
		}
		return http.StatusOK, resp
	}

	switch f.Reason {
	case command.ReasonAmbiguous:
		if cmd == CmdWiFi {
			resp.Warning = "device did not confirm the credentials; it may not have been reconfigured"
		} else {
			resp.Warning = "unrecognised reply from device"
		}
		return http.StatusOK, resp
	case command.ReasonTimeout:
		return http.StatusGatewayTimeout, resp
	case command.ReasonInvalid:
		return http.StatusBadRequest, resp
	default:
		return http.StatusBadGateway, resp
	}
}
