package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/manager"
	"github.com/mattjoyce/pt2/internal/requestlog"
)

const maxParamsBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(s.uptime().Seconds()),
	}
	for _, b := range s.backends.List("") {
		resp.BackendsLoaded++
		switch {
		case b.Status.Running():
			resp.BackendsRunning++
		case b.Status == backend.StatusInvalid:
			resp.BackendsInvalid++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListBackends handles GET /backends[?country=].
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"backends": s.backends.List(r.URL.Query().Get("country")),
	})
}

// handleGetBackend handles GET /backends/{id}.
func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backends.Describe(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleLifecycle handles POST /backends/{id}/{launch|stop|kill}.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var err error
	switch action {
	case "launch":
		// The launch outlives this HTTP request.
		err = s.backends.Launch(context.WithoutCancel(r.Context()), id)
	case "stop":
		err = s.backends.Stop(id)
	case "kill":
		err = s.backends.Kill(id)
	}

	snap, derr := s.backends.Describe(id)
	if derr != nil {
		s.writeBackendError(w, derr)
		return
	}
	if err != nil {
		s.logger.Warn("lifecycle action failed", "backend", id, "action", action, "error", err)
		if errors.Is(err, backend.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		// Launch failures leave the backend Invalid; report its state.
		respondJSON(w, http.StatusUnprocessableEntity, LifecycleResponse{
			Backend: id, Action: action, Status: snap.Status, LastError: snap.LastError,
		})
		return
	}
	respondJSON(w, http.StatusAccepted, LifecycleResponse{
		Backend: id, Action: action, Status: snap.Status, LastError: snap.LastError,
	})
}

// handleRequest handles POST /backends/{id}/requests/{operation}. The body
// is the operation's params object. With ?wait=<duration> the call is
// synchronous.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opName := chi.URLParam(r, "operation")

	op, ok := s.operations.Lookup(opName)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown operation: "+opName)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxParamsBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "params too large")
		return
	}
	params, err := op.DecodeParams(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wait, err := manager.ParseWait(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if wait > s.config.MaxWait {
		wait = s.config.MaxWait
	}

	if wait == 0 {
		requestID, err := s.backends.Request(r.Context(), id, opName, params)
		if err != nil {
			s.writeBackendError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, RequestResponse{
			RequestID: requestID, Backend: id, Operation: opName, Status: string(requestlog.OutcomePending),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	ev, err := s.backends.Call(ctx, id, opName, params)
	resp := RequestResponse{RequestID: ev.RequestID, Backend: id, Operation: opName}

	var reqErr *manager.RequestError
	switch {
	case err == nil:
		resp.Status = string(requestlog.OutcomeSucceeded)
		resp.Result = ev.RawResult
		respondJSON(w, http.StatusOK, resp)
	case errors.As(err, &reqErr):
		resp.Status = string(requestlog.OutcomeFailed)
		resp.ErrorID = reqErr.ErrorID
		resp.ErrorMessage = reqErr.Message
		respondJSON(w, http.StatusBadGateway, resp)
	case errors.Is(err, manager.ErrAbandoned):
		resp.Status = string(requestlog.OutcomeAbandoned)
		respondJSON(w, http.StatusServiceUnavailable, resp)
	case errors.Is(err, context.DeadlineExceeded) && ev.RequestID != "":
		resp.Status = string(requestlog.OutcomePending)
		respondJSON(w, http.StatusGatewayTimeout, resp)
	default:
		s.writeBackendError(w, err)
	}
}

// handleGetRequest handles GET /requests/{requestID}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if s.requests == nil {
		s.writeError(w, http.StatusNotImplemented, "request journal disabled")
		return
	}
	entry, err := s.requests.Get(r.Context(), chi.URLParam(r, "requestID"))
	if errors.Is(err, requestlog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read request")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.operations))
}

// writeBackendError maps manager and backend errors to status codes.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrBackendNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backend.ErrUnknownOperation):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backend.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
