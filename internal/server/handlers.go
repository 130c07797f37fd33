package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/harun/toolrun/pkg/tool"
)

// callRequest is the wire form of a tool call. Timeouts are milliseconds.
type callRequest struct {
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

func (c callRequest) call() tool.Call {
	return tool.Call{
		Name:      c.Name,
		Arguments: c.Arguments,
		CallID:    c.CallID,
		SessionID: c.SessionID,
		Timeout:   time.Duration(c.TimeoutMS) * time.Millisecond,
	}
}

type callsRequest struct {
	Calls []callRequest `json:"calls"`
}

func (c callsRequest) calls(r *http.Request) []tool.Call {
	out := make([]tool.Call, len(c.Calls))
	for i, req := range c.Calls {
		req.SessionID = sessionFor(r, req.SessionID)
		out[i] = req.call()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tools":     len(s.tools.ListTools()),
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.ListTools()})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, d := range s.tools.ListTools() {
		if d.Name == name {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeError(w, http.StatusNotFound, "tool not found: "+name)
}

// handleExecute answers 200 with the Result even when the call failed; the
// Result's success flag carries the outcome.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Name = chi.URLParam(r, "name")
	req.SessionID = sessionFor(r, req.SessionID)
	writeJSON(w, http.StatusOK, s.executor.Execute(r.Context(), req.call()))
}

func (s *Server) handleParallel(w http.ResponseWriter, r *http.Request) {
	var req callsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "calls must not be empty")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": s.executor.ExecuteParallel(r.Context(), req.calls(r)),
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req callsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "calls must not be empty")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": s.executor.ExecuteBatch(r.Context(), req.calls(r)),
	})
}

func (s *Server) handleCloseSession(closer SessionCloser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"closed":     closer.CloseSession(id),
		})
	}
}
