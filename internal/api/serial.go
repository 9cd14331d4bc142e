package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/nerrad567/nmfleet/internal/command"
	"github.com/nerrad567/nmfleet/internal/transport"
)

// serialSession holds the serial link open between requests. Reopening
// the port toggles DTR on most USB bridges, which resets the ESP32.
type serialSession struct {
	mu   sync.Mutex
	open SerialOpener
	t    transport.Transport
}

// do runs fn with the open transport, opening it on first use. A transport
// failure closes the link so the next request reopens it.
func (ss *serialSession) do(fn func(transport.Transport) (int, commandResponse)) (int, commandResponse, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.t == nil {
		t, err := ss.open()
		if err != nil {
			return 0, commandResponse{}, err
		}
		ss.t = t
	}

	status, resp := fn(ss.t)
	if f, ok := resp.Result.(*command.Failure); ok && f.Reason == command.ReasonTransport {
		ss.t.Close()
		ss.t = nil
	}
	return status, resp, nil
}

func (ss *serialSession) close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.t != nil {
		ss.t.Close()
		ss.t = nil
	}
}

// handleSerialCommand runs one command over the directly attached device.
func (s *Server) handleSerialCommand(w http.ResponseWriter, r *http.Request) {
	if s.serial == nil {
		writeUnavailable(w, "serial link not enabled")
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	status, resp, err := s.serial.do(func(t transport.Transport) (int, commandResponse) {
		return s.execute(t, req)
	})
	if err != nil {
		s.logger.Warn("opening serial port failed", "port", s.cmdCfg.Serial.Port, "error", err)
		if errors.Is(err, transport.ErrOpen) {
			writeUnavailable(w, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// handleSerialPorts lists serial ports present on this host.
func (s *Server) handleSerialPorts(w http.ResponseWriter, _ *http.Request) {
	ports, err := transport.Ports()
	if err != nil {
		writeInternalError(w, "failed to enumerate serial ports")
		return
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ports":      ports,
		"configured": s.cmdCfg.Serial.Port,
		"enabled":    s.serial != nil,
	})
}
