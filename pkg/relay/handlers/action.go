package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/voxprep/voxprep/pkg/relay/apierror"
	"github.com/voxprep/voxprep/pkg/relay/card"
	"github.com/voxprep/voxprep/pkg/relay/mw"
	"github.com/voxprep/voxprep/pkg/relay/session"
)

// ActionRequest is the single POST envelope for session control. The action
// field selects the operation; the other fields are interpreted per action.
type ActionRequest struct {
	Action         string      `json:"action"`
	SessionID      string      `json:"sessionId"`
	Script         string      `json:"script"`
	KnowledgeCards []card.Card `json:"knowledgeCards"`
	AudioData      string      `json:"audioData"`
}

type initResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type sendResponse struct {
	Success bool `json:"success"`
	Queued  bool `json:"queued"`
}

type okResponse struct {
	Success bool `json:"success"`
}

// ActionHandler serves POST /api/practice.
type ActionHandler struct {
	Registry     *session.Registry
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func (h *ActionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestError("invalid JSON body"))
		return
	}

	switch req.Action {
	case "init":
		h.handleInit(w, reqID, req)
	case "send":
		h.handleSend(w, reqID, req)
	case "disconnect":
		h.handleDisconnect(w, reqID, req)
	default:
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestErrorWithParam("unknown action", "action"))
	}
}

func (h *ActionHandler) handleInit(w http.ResponseWriter, reqID string, req ActionRequest) {
	if req.Script == "" {
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestErrorWithParam("script is required", "script"))
		return
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	h.Registry.Create(id, req.Script, req.KnowledgeCards)
	h.Logger.Info("session initialized",
		"request_id", reqID,
		"session_id", id,
		"script_len", len(req.Script),
		"cards", len(req.KnowledgeCards),
	)

	writeJSON(w, http.StatusOK, initResponse{Success: true, SessionID: id})
}

func (h *ActionHandler) handleSend(w http.ResponseWriter, reqID string, req ActionRequest) {
	if req.SessionID == "" {
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestErrorWithParam("sessionId is required", "sessionId"))
		return
	}
	if req.AudioData == "" {
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestErrorWithParam("audioData is required", "audioData"))
		return
	}

	sess := h.Registry.Get(req.SessionID)
	if sess == nil {
		apierror.WriteJSON(w, reqID, apierror.NewNotFoundError("unknown session"))
		return
	}

	queued, err := sess.SendOrQueueAudio(req.AudioData)
	if err != nil {
		h.Logger.Warn("audio forward failed", "request_id", reqID, "session_id", req.SessionID, "error", err)
		apierror.WriteJSON(w, reqID, apierror.NewUpstreamError("failed to forward audio"))
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Success: true, Queued: queued})
}

func (h *ActionHandler) handleDisconnect(w http.ResponseWriter, reqID string, req ActionRequest) {
	if req.SessionID == "" {
		apierror.WriteJSON(w, reqID, apierror.NewInvalidRequestErrorWithParam("sessionId is required", "sessionId"))
		return
	}

	// Idempotent: disconnecting a session that never existed is still success.
	h.Registry.Remove(req.SessionID)
	h.Logger.Info("session disconnected", "request_id", reqID, "session_id", req.SessionID)

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
