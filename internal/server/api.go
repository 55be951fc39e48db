// ABOUTME: HTTP API handlers for the conversation pipeline.
// ABOUTME: POST send via the workflow bridge, SSE streaming of group events, health probes.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/bridge"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/engine"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/messaging"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/watcher"
)

// tenantHeader carries the caller's tenant on every API request.
const tenantHeader = "X-Tenant-Id"

// handleSendMessage handles POST /api/messages/send.
// The JSON body is a bridge request; tenant and authorization come from
// headers. The call blocks until the workflow produces a reply or a
// timeout-class failure occurs.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return
	}

	var req bridge.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.TenantID = tenantID
	req.Authorization = bearerToken(r)

	resp, err := s.bridge.Send(r.Context(), &req)
	if err != nil {
		s.sendBridgeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// sendBridgeError maps bridge failures to HTTP statuses.
func (s *Server) sendBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrInvalidRequest):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoWorkers):
		s.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrUpdateTimeout), errors.Is(err, messaging.ErrRequestTimeout):
		s.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("send failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleStream handles GET /api/messages/stream.
// It subscribes the caller to a conversation group (or, with scope=tenant,
// the tenant-wide group) and streams live-channel events as SSE until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		s.sendJSONError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return
	}

	workflowID := r.URL.Query().Get("workflowId")
	if workflowID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "workflowId is required")
		return
	}

	var groupID string
	if r.URL.Query().Get("scope") == "tenant" {
		groupID = workflowID + tenantID
	} else {
		participantID := r.URL.Query().Get("participantId")
		if participantID == "" {
			s.sendJSONError(w, http.StatusBadRequest, "participantId is required")
			return
		}
		groupID = workflowID + participantID + tenantID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := s.hub.Subscribe(r.Context(), groupID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "connected", map[string]string{"groupId": groupID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, env.Event, env.Payload)
			flusher.Flush()
		}
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the change-stream watcher is established.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.watcher.State()
	if state != watcher.StateWatching {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "watcher %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// writeSSEEvent writes one Server-Sent Event.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// bearerToken extracts the Authorization bearer token, if any.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}
