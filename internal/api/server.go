// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package api exposes the polling registry over HTTP/JSON. Routes and
// body shapes are stable; a running UI depends on them. Connection
// failures come back as HTTP 200 with success=false so clients always
// receive the structured body.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ffutop/modbus-devicegw/internal/device"
	"github.com/ffutop/modbus-devicegw/internal/poll"
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)

// Server wraps the polling registry with the device HTTP surface.
type Server struct {
	registry *poll.Registry
	logger   *zap.Logger
}

func NewServer(registry *poll.Registry, logger *zap.Logger) *Server {
	return &Server{registry: registry, logger: logger}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices/{id}/test", s.handleTest)
	mux.HandleFunc("GET /devices/{id}/read", s.handleRead)
	mux.HandleFunc("POST /devices/{id}/polling/start", s.handlePollingStart)
	mux.HandleFunc("POST /devices/{id}/polling/stop", s.handlePollingStop)
	mux.HandleFunc("GET /devices/{id}/data", s.handleData)
	mux.HandleFunc("POST /devices/{id}/control", s.handleControl)
	mux.HandleFunc("GET /devices/polling", s.handlePollingList)
	return mux
}

// deviceInfo identifies the device inside error payloads.
type deviceInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
	Address        string `json:"address,omitempty"`
}

func (s *Server) deviceInfo(r *http.Request, id string) deviceInfo {
	info := deviceInfo{ID: id}
	if dev, err := s.registry.Device(r.Context(), id); err == nil {
		info.Name = dev.Name
		info.ConnectionType = dev.Connection.Type
		info.Address = dev.Address()
	}
	return info
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	err := s.registry.TestConnection(r.Context(), id)
	if err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":    false,
			"message":    err.Error(),
			"errorType":  poll.ErrorType(err),
			"deviceInfo": s.deviceInfo(r, id),
			"timestamp":  time.Now(),
			"status":     "ERROR",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "connection established",
		"deviceInfo": s.deviceInfo(r, id),
		"timestamp":  time.Now(),
		"status":     "CONNECTED",
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	snap, err := s.registry.Snapshot(r.Context(), id, true)
	if err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		s.writeErrorPayload(w, r, http.StatusOK, id, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":   snap.DeviceID,
		"deviceName": snap.DeviceName,
		"timestamp":  snap.Timestamp,
		"readings":   snap.Values,
	})
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	var body struct {
		IntervalMs int64 `json:"intervalMs"`
	}
	if r.Body != nil {
		// An empty body keeps the device's configured interval.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	active, err := s.registry.Start(r.Context(), id, time.Duration(body.IntervalMs)*time.Millisecond)
	if err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		if errors.Is(err, poll.ErrTooManyPollers) {
			s.writeErrorPayload(w, r, http.StatusInternalServerError, id, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":    false,
			"message":    err.Error(),
			"errorType":  poll.ErrorType(err),
			"deviceId":   id,
			"intervalMs": body.IntervalMs,
		})
		return
	}

	st, _ := s.registry.Status(r.Context(), id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    active,
		"message":    "polling started",
		"deviceId":   id,
		"intervalMs": st.IntervalMs,
	})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	if err := s.registry.Stop(r.Context(), id); err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		s.writeErrorPayload(w, r, http.StatusInternalServerError, id, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "polling stopped",
		"deviceId": id,
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	forceRefresh := r.URL.Query().Get("forceRefresh") == "true"

	snap, err := s.registry.Snapshot(r.Context(), id, forceRefresh)
	if err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":   false,
			"deviceId":  id,
			"hasData":   false,
			"stale":     false,
			"message":   err.Error(),
			"errorType": poll.ErrorType(err),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deviceId":   snap.DeviceID,
		"deviceName": snap.DeviceName,
		"timestamp":  snap.Timestamp,
		"readings":   snap.Values,
		"hasData":    snap.HasData,
		"stale":      snap.Stale,
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	var body struct {
		Parameters []poll.WriteParam `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorPayload(w, r, http.StatusBadRequest, id, err)
		return
	}

	results, err := s.registry.Write(r.Context(), id, body.Parameters)
	if err != nil {
		if s.writeLookupError(w, r, id, err) {
			return
		}
		var invalid *poll.ErrInvalidParameter
		if errors.As(err, &invalid) {
			s.writeErrorPayload(w, r, http.StatusBadRequest, id, err)
			return
		}
		s.writeErrorPayload(w, r, http.StatusOK, id, err)
		return
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	dev, _ := s.registry.Device(r.Context(), id)
	name := ""
	if dev != nil {
		name = dev.Name
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    succeeded == len(results),
		"deviceId":   id,
		"deviceName": name,
		"timestamp":  time.Now(),
		"summary":    summaryLine(succeeded, len(results)),
		"results":    results,
	})
}

func (s *Server) handlePollingList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.registry.List(),
	})
}

// deviceID extracts and validates the path id. Invalid format is a
// 400 before any registry work happens.
func (s *Server) deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !idPattern.MatchString(id) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":   false,
			"message":   "invalid device id",
			"error":     "invalid device id format",
			"errorType": poll.ErrTypeServer,
			"timestamp": time.Now(),
			"status":    "ERROR",
		})
		return "", false
	}
	return id, true
}

// writeLookupError maps repository and definition failures onto their
// HTTP codes. Returns true when the error was handled.
func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) bool {
	var invalidDef *device.InvalidDefinitionError
	var backend *device.BackendError
	switch {
	case errors.Is(err, device.ErrNotFound):
		s.writeErrorPayload(w, r, http.StatusNotFound, id, err)
	case errors.Is(err, poll.ErrDeviceDisabled), errors.As(err, &invalidDef):
		s.writeErrorPayload(w, r, http.StatusBadRequest, id, err)
	case errors.As(err, &backend):
		s.writeErrorPayload(w, r, http.StatusInternalServerError, id, err)
	default:
		return false
	}
	return true
}

// writeErrorPayload emits the standard error body shape.
func (s *Server) writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, id string, err error) {
	errorType := poll.ErrorType(err)
	switch {
	case code == http.StatusInternalServerError:
		errorType = poll.ErrTypeServer
	case errors.Is(err, device.ErrNotFound), errors.Is(err, poll.ErrDeviceDisabled):
		errorType = poll.ErrTypeUnknown
	}

	s.writeJSON(w, code, map[string]any{
		"success":         false,
		"message":         err.Error(),
		"error":           err.Error(),
		"errorType":       errorType,
		"troubleshooting": troubleshooting(errorType),
		"deviceInfo":      s.deviceInfo(r, id),
		"timestamp":       time.Now(),
		"status":          "ERROR",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func summaryLine(succeeded, total int) string {
	if succeeded == total {
		return "all parameters written"
	}
	return fmt.Sprintf("%d of %d parameters written", succeeded, total)
}

// troubleshooting maps an error type to operator guidance.
func troubleshooting(errorType string) string {
	switch errorType {
	case poll.ErrTypeConnectionRefused:
		return "verify the device IP and port, and that the Modbus TCP service is running"
	case poll.ErrTypeConnectionTimeout:
		return "verify network reachability and increase the request timeout if the device is slow"
	case poll.ErrTypePortNotFound:
		return "verify the serial port path exists and the adapter is plugged in"
	case poll.ErrTypePermissionDenied:
		return "grant the gateway user access to the serial device"
	case poll.ErrTypePortBusy:
		return "close other programs holding the serial port"
	case poll.ErrTypeNoResponse:
		return "verify the unit id, wiring and serial parameters"
	case poll.ErrTypeIllegalAddress:
		return "verify the configured register addresses against the device manual"
	default:
		return ""
	}
}
