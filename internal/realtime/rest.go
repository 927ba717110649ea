package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agent-console/internal/launch"
	"agent-console/internal/protocol"
	"agent-console/internal/pty"
	"agent-console/internal/session"
)

type oneShotRequest struct {
	Provider  string             `json:"provider"`
	Command   string             `json:"command"`
	Cwd       string             `json:"cwd"`
	Model     string             `json:"model"`
	Effort    string             `json:"effort"`
	Env       map[string]*string `json:"env"`
	Prompt    string             `json:"prompt"`
	TimeoutMS int64              `json:"timeoutMs"`
}

type oneShotResponse struct {
	Output string `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`

	// Output is whatever the one-shot process printed before failing.
	Output string `json:"output,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeCodedError maps err's wire code to an HTTP status.
func writeCodedError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusBadRequest
	switch code {
	case protocol.ErrSessionNotFound, protocol.ErrTerminalNotFound:
		status = http.StatusNotFound
	case protocol.ErrTerminalExited, protocol.ErrMaxTerminals:
		status = http.StatusConflict
	case protocol.ErrSpawnFailed:
		status = http.StatusInternalServerError
	case protocol.ErrStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		list []session.Session
		err  error
	)
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "active":
		list, err = s.store.ListActive(r.Context())
	case "archived":
		list, err = s.store.ListArchived(r.Context())
	case "all":
		list, err = s.store.ListAll(r.Context())
	default:
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "unknown scope: "+scope)
		return
	}
	if err != nil {
		writeCodedError(w, storeErr(err))
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCodedError(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.archiveSession(r.Context(), id); err != nil {
		writeCodedError(w, err)
		return
	}
	s.broadcastSessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Restore(r.Context(), id); err != nil {
		writeCodedError(w, storeErr(err))
		return
	}
	s.broadcastSessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.removeSession(r.Context(), id); err != nil {
		writeCodedError(w, err)
		return
	}
	s.broadcastSessions(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.resumableGroups(r.Context())
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups.Groups)
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) handleSpawnTerminal(w http.ResponseWriter, r *http.Request) {
	var req protocol.TerminalSpawn
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if err := protocol.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	spawned, err := s.spawn(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	s.broadcastSessions(r.Context())
	writeJSON(w, http.StatusCreated, spawned)
}

// handleOneShot runs a bounded one-shot command and returns its output.
// Timeouts answer 504, non-zero exits 502, and spawn failures 500.
func (s *Server) handleOneShot(w http.ResponseWriter, r *http.Request) {
	var req oneShotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Provider == "" && req.Command == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "one of 'provider' or 'command' is required")
		return
	}

	timeout := s.oneShotTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	out, err := s.mgr.RunOnce(r.Context(), session.OneShotRequest{
		Launch: launch.Request{
			Provider: launch.Provider(req.Provider),
			Command:  req.Command,
			Model:    req.Model,
			Effort:   req.Effort,
			Env:      req.Env,
		},
		Cwd:     req.Cwd,
		Prompt:  req.Prompt,
		Timeout: timeout,
	})
	if err == nil {
		writeJSON(w, http.StatusOK, oneShotResponse{Output: out})
		return
	}

	var (
		timeoutErr *pty.TimeoutError
		exitErr    *pty.ExitError
	)
	switch {
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Output: timeoutErr.Output})
	case errors.As(err, &exitErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Output: exitErr.Output})
	default:
		writeError(w, http.StatusInternalServerError, protocol.ErrSpawnFailed, err.Error())
	}
}
