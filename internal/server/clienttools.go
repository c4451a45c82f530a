package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode/internal/clienttool"
)

// clientToolTimeout bounds how long the shim waits for a browser client to
// answer a frontend tool_use before the RunLoop's turn is reported as failed.
const clientToolTimeout = 2 * time.Minute

// registerClientTools lets a browser client advertise the frontend tools
// (spec's KindFrontend) it is willing to execute on runOnce's behalf.
func (s *Server) registerClientTools(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string                     `json:"clientID"`
		Tools    []clienttool.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "clientID is required")
		return
	}

	registered := clienttool.Register(body.ClientID, body.Tools)
	writeJSON(w, http.StatusOK, map[string]any{"registered": registered})
}

// unregisterClientTools drops a client's previously registered tools. An
// empty toolIDs list drops all of that client's tools.
func (s *Server) unregisterClientTools(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string   `json:"clientID"`
		ToolIDs  []string `json:"toolIDs,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	unregistered := clienttool.Unregister(body.ClientID, body.ToolIDs)
	writeJSON(w, http.StatusOK, map[string]any{"unregistered": unregistered})
}

// listClientTools reports the tools a given client currently has registered.
func (s *Server) listClientTools(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	writeJSON(w, http.StatusOK, clienttool.GetTools(clientID))
}

// submitClientToolResult delivers a browser's answer to a pending frontend
// tool execution, unblocking the clienttool.Execute call runOnce is waiting
// on inside executeFrontendTools.
func (s *Server) submitClientToolResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string                 `json:"requestID"`
		Response  clienttool.ToolResponse `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if ok := clienttool.SubmitResult(body.RequestID, body.Response); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no pending request with that ID")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}
