package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mesh-bridge/internal/session"
	"mesh-bridge/internal/settings"
)

type cliRequest struct {
	Args    []string `json:"args"`
	Timeout float64  `json:"timeout"` // seconds
}

type cliResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Returncode int    `json:"returncode"`
}

type setManualAddContactsRequest struct {
	Enabled *bool `json:"enabled"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func cliFailure(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, cliResult{Success: false, Stderr: reason, Returncode: -1})
}

// handleCLI executes a meshcli command via the persistent session and
// returns its accumulated output.
func (s *Server) handleCLI(w http.ResponseWriter, r *http.Request) {
	var req cliRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cliFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Args) == 0 {
		cliFailure(w, http.StatusBadRequest, "missing required field: args")
		return
	}

	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = session.DefaultTimeout
		if req.Args[0] == "recv" {
			// recv blocks waiting for incoming messages.
			timeout = session.RecvTimeout
		}
	}

	stdout, err := s.bridge.Execute(req.Args, timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cliResult{Success: true, Stdout: stdout})
	case errors.Is(err, session.ErrMalformed):
		cliFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStopped), errors.Is(err, session.ErrQueueFull):
		cliFailure(w, http.StatusServiceUnavailable, err.Error())
	default:
		// Timeouts and crashes are command results, not transport errors.
		cliFailure(w, http.StatusOK, err.Error())
	}
}

// handleHealth reports the session lifecycle state and identifying metadata.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Health())
}

// handleSetManualAddContacts persists the manual contact approval toggle
// and applies it to the running session.
func (s *Server) handleSetManualAddContacts(w http.ResponseWriter, r *http.Request) {
	var req setManualAddContactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "missing required field: enabled",
		})
		return
	}
	enabled := *req.Enabled

	if err := settings.SetManualAddContacts(s.configDir, enabled); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to save settings: " + err.Error(),
		})
		return
	}

	if _, err := s.bridge.ApplyManualAddContacts(enabled); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to apply setting: " + err.Error(),
		})
		return
	}

	value := "off"
	if enabled {
		value = "on"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "manual_add_contacts set to " + value,
		"enabled": enabled,
	})
}
