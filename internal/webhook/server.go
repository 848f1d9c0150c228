// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/gateway"
	"github.com/user/threadcore/internal/types"
)

// Storage is the slice of the store the HTTP API reads from.
type Storage interface {
	types.ThreadStore
	types.EventStore
}

// Server exposes the thread and approval API over HTTP.
type Server struct {
	store     Storage
	gw        *gateway.Gateway
	hub       *approval.Hub
	artifacts types.ArtifactStore
	mux       *http.ServeMux
}

// NewServer creates a Server wired to the store, gateway, and approval hub.
func NewServer(store Storage, gw *gateway.Gateway, hub *approval.Hub, artifacts types.ArtifactStore) *Server {
	s := &Server{
		store:     store,
		gw:        gw,
		hub:       hub,
		artifacts: artifacts,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	s.mux.HandleFunc("GET /api/threads", s.handleListThreads)
	s.mux.HandleFunc("GET /api/threads/{id}/events", s.handleThreadEvents)
	s.mux.HandleFunc("POST /api/threads/{id}/messages", s.handlePostMessage)
	s.mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	s.mux.HandleFunc("POST /api/approvals/{call_id}", s.handleDecideApproval)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.CreateThread(r.Context())
	if err != nil {
		slog.Error("create thread failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

type threadResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	LastSeq   int64  `json:"last_seq"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context())
	if err != nil {
		slog.Error("list threads failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]threadResponse, 0, len(threads))
	for _, meta := range threads {
		result = append(result, threadResponse{
			ID:        string(meta.ID),
			CreatedAt: meta.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt: meta.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			LastSeq:   meta.LastSeq,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := types.ThreadID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.store.Tail(r.Context(), threadID, limit)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		slog.Error("tail events failed", "thread_id", string(threadID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// postMessageRequest is the JSON body for POST /api/threads/{id}/messages.
type postMessageRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := types.ThreadID(r.PathValue("id"))

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "webhook"
	}

	resolved, err := s.gw.HandleMessage(r.Context(), threadID, source, req.Text)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		slog.Error("enqueue message failed", "thread_id", string(threadID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Processing is asynchronous; the caller polls the event log.
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": string(resolved), "status": "queued"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.hub.PendingAll(r.Context())
	if err != nil {
		slog.Error("list approvals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if pending == nil {
		pending = []approval.PendingApproval{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// decideApprovalRequest is the JSON body for POST /api/approvals/{call_id}.
// ThreadID is optional; without it the hub locates the thread holding the
// pending request.
type decideApprovalRequest struct {
	ThreadID  string `json:"thread_id"`
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	callID := types.ToolCallID(r.PathValue("call_id"))

	var req decideApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	threadID := types.ThreadID(req.ThreadID)
	if threadID == "" {
		found, err := s.hub.FindThreadForCall(r.Context(), callID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no pending approval for call")
				return
			}
			slog.Error("locate approval failed", "call_id", string(callID), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		threadID = found
	}

	decision := types.ApprovalDecision{CallID: callID, Approve: req.Approve, DecidedBy: req.DecidedBy}
	if err := s.gw.HandleApproval(r.Context(), threadID, decision); err != nil {
		slog.Error("handle approval failed", "call_id", string(callID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Duplicate decisions are invisible successes, so this is 200 either way.
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}
	id := types.ArtifactID(r.PathValue("id"))
	data, err := s.artifacts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		slog.Error("get artifact failed", "artifact_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
