package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode/internal/clienttool"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/internal/streamfmt"
	"github.com/opencode-ai/opencode/pkg/types"
)

// runRequest is the body for POST /run.
type runRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Prompt    string `json:"prompt"`
}

// runOnce drives a single RunLoop turn and streams its StreamFormatter
// output straight to the response body as it's produced. It is a manual
// exerciser, not a resumable session API: every call starts a fresh
// types.AgentState (see internal/server's doc.go).
func (s *Server) runOnce(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	providerID, modelID := s.defaultProviderID, s.defaultModelID
	systemPrompt := ""

	agentTools := s.tools
	if req.Agent != "" {
		sub, err := s.agents.Get(req.Agent)
		if err != nil {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown agent: "+req.Agent)
			return
		}
		systemPrompt = sub.Prompt
		if sub.Model != nil {
			providerID, modelID = sub.Model.ProviderID, sub.Model.ModelID
		}
		agentTools = s.tools.Scoped(sub.ToolEnabled)
	}

	prov, err := s.providers.Get(providerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	loop := runloop.New(runloop.Config{
		SystemPrompt: systemPrompt,
		Provider:     prov,
		ProviderID:   providerID,
		ModelID:      modelID,
		Registry:     agentTools,
		Permissions:  s.permissions,
		Store:        s.store,
		Sink:         streamfmt.New(flushWriter{w, flusher}),
	})

	clientID := req.ClientID
	if clientID == "" {
		clientID = sessionID
	}

	st := types.NewAgentState(sessionID)
	result, err := loop.Run(r.Context(), st, req.Prompt)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Msg("run loop exited with error")
		return
	}

	for result.StopReason == "awaiting_frontend_tools" {
		results, err := executeFrontendTools(r.Context(), clientID, sessionID, st.PendingFrontendTools)
		if err != nil {
			logging.Error().Err(err).Str("session_id", sessionID).Msg("frontend tool round-trip failed")
			return
		}
		result, err = loop.ContinueWithToolResults(r.Context(), st, results)
		if err != nil {
			logging.Error().Err(err).Str("session_id", sessionID).Msg("run loop exited with error")
			return
		}
	}
}

// executeFrontendTools bridges each pending frontend tool_use out to the
// browser client via clienttool.Execute, which publishes a client-tool.request
// SSE event (see globalEvents) and blocks until the client POSTs a matching
// result to /client-tools/result or clientToolTimeout elapses.
func executeFrontendTools(ctx context.Context, clientID, sessionID string, pending []types.PendingToolCall) ([]runloop.FrontendToolResult, error) {
	results := make([]runloop.FrontendToolResult, len(pending))
	for i, p := range pending {
		var input map[string]any
		_ = json.Unmarshal(p.Input, &input)

		res, err := clienttool.Execute(ctx, clientID, clienttool.ExecutionRequest{
			RequestID: ulid.Make().String(),
			SessionID: sessionID,
			CallID:    p.ToolUseID,
			Tool:      p.Name,
			Input:     input,
		}, clientToolTimeout)
		if err != nil {
			results[i] = runloop.FrontendToolResult{
				ToolUseID: p.ToolUseID,
				Content:   &types.ToolResultContent{Text: err.Error()},
				IsError:   true,
			}
			continue
		}
		results[i] = runloop.FrontendToolResult{
			ToolUseID: p.ToolUseID,
			Content:   &types.ToolResultContent{Text: res.Output},
		}
	}
	return results, nil
}

// flushWriter flushes the underlying http.Flusher after every write so
// streamfmt.Formatter's tag-at-a-time writes reach the client immediately.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}
