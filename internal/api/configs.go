package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/push"
)

// configResponse is returned by GET /devices/{address}/config.
type configResponse struct {
	Address       string               `json:"address"`
	Configuration device.Configuration `json:"configuration"`
	Cached        bool                 `json:"cached"`
	ReceivedAt    *time.Time           `json:"received_at,omitempty"`
}

// pushResponse is returned by the push endpoints. Status is always "sent":
// the firmware does not acknowledge configurations.
type pushResponse struct {
	Status string      `json:"status"`
	Report push.Report `json:"report"`
}

// handleGetDeviceConfig returns the configuration last announced by the
// device, or factory defaults when none has been seen. It is meant for
// pre-filling an edit form.
//
// Query parameters:
//   - refresh: "true" asks the device directly before falling back
//   - reveal: "true" returns passwords unmasked
func (s *Server) handleGetDeviceConfig(w http.ResponseWriter, r *http.Request) {
	address, err := device.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal")) //nolint:errcheck // absent or invalid means false

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh { //nolint:errcheck // absent or invalid means false
		cfg, err := s.pusher.RequestConfig(r.Context(), address)
		if err == nil {
			now := time.Now().UTC()
			s.cache.Put(address, cfg, now)
		} else {
			s.logger.Debug("config refresh failed, using cache", "address", address, "error", err)
		}
	}

	resp := configResponse{Address: address}
	if cached, ok := s.cache.Get(address); ok {
		resp.Configuration = cached.Configuration
		resp.Cached = true
		at := cached.ReceivedAt
		resp.ReceivedAt = &at
	} else {
		resp.Configuration = device.FactoryPreset()
		resp.Configuration.IP = address
	}
	if !reveal {
		resp.Configuration = resp.Configuration.Redacted()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePushDeviceConfig pushes a configuration to one device. Keys absent
// from the body keep the cached value, or the factory preset when nothing is
// cached. IP is always the path address.
func (s *Server) handlePushDeviceConfig(w http.ResponseWriter, r *http.Request) {
	address, err := device.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	base := device.FactoryPreset()
	if cached, ok := s.cache.Get(address); ok {
		base = cached.Configuration
	}

	cfg, ok := decodeConfiguration(w, r, base)
	if !ok {
		return
	}
	cfg.IP = address

	s.pushConfiguration(w, r, cfg)
}

// handleBroadcastConfig pushes a configuration to every device on the
// segment. Keys absent from the body take the factory preset.
func (s *Server) handleBroadcastConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeConfiguration(w, r, device.FactoryPreset())
	if !ok {
		return
	}
	cfg.IP = device.BroadcastAddress

	s.pushConfiguration(w, r, cfg)
}

func decodeConfiguration(w http.ResponseWriter, r *http.Request, base device.Configuration) (device.Configuration, bool) {
	cfg := base
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return device.Configuration{}, false
	}
	return cfg, true
}

// pushConfiguration runs the full retransmission even if the client goes
// away; once the first datagram is out the push cannot be taken back.
func (s *Server) pushConfiguration(w http.ResponseWriter, r *http.Request, cfg device.Configuration) {
	report, err := s.pusher.Push(context.WithoutCancel(r.Context()), cfg, push.SourceAPI)
	if err != nil {
		switch {
		case errors.Is(err, push.ErrMissingWiFiCredentials):
			writeValidation(w, "wifi ssid and password are required")
		case errors.Is(err, push.ErrInvalidTarget):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Warn("configuration push failed", "target", report.Target, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		}
		return
	}

	if s.events != nil {
		s.events.PublishPush(report)
	}
	s.hub.Broadcast(ChannelPushSent, report)

	writeJSON(w, http.StatusOK, pushResponse{Status: "sent", Report: report})
}
