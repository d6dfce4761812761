package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
	myMiddleware "go-chat-delivery/internal/middleware"
	"go-chat-delivery/internal/realtime"
	"go-chat-delivery/internal/receipt"
)

// History reads message pages.
type History interface {
	History(ctx context.Context, userID int64, q chat.PageQuery) (*chat.Page, error)
}

// Engine is the slice of the realtime orchestrator the REST surface drives.
type Engine interface {
	SendMessageAndBroadcast(ctx context.Context, in *chat.SendInput, senderID int64, emit realtime.EmitFunc, isOnline realtime.OnlineFunc) (*chat.SendResult, error)
	MarkAsSeen(ctx context.Context, userID int64, in *realtime.SeenInput) ([]receipt.Transition, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (*chat.Message, error)
	Receipts(ctx context.Context, messageID, userID int64) ([]receipt.Entry, error)
}

// Delivery pushes to users wherever their sockets live.
type Delivery interface {
	Emit(ctx context.Context, userID int64, event string, payload interface{}) error
	IsOnline(ctx context.Context, userID int64) bool
}

type Handler struct {
	history  History
	engine   Engine
	delivery Delivery
	logger   *logrus.Logger
}

func NewHandler(history History, engine Engine, delivery Delivery, logger *logrus.Logger) *Handler {
	return &Handler{history: history, engine: engine, delivery: delivery, logger: logger}
}

// Routes mounts the authenticated REST endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations/{id}/messages", h.ListMessages)
	r.Post("/messages", h.SendMessage)
	r.Post("/messages/seen", h.MarkSeen)
	r.Delete("/messages/{id}", h.DeleteMessage)
	r.Get("/messages/{id}/receipts", h.ListReceipts)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := chat.PageQuery{
		ConversationID: convID,
		Direction:      chat.Direction(r.URL.Query().Get("direction")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.fail(w, r, apperr.Invalid("limit must be a number"))
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, apperr.Invalid("invalid cursor"))
			return
		}
		q.Cursor = &cursor
	}

	page, err := h.history.History(r.Context(), userID, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var in chat.SendInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.fail(w, r, apperr.Invalid("malformed request body"))
		return
	}

	res, err := h.engine.SendMessageAndBroadcast(r.Context(), &in, userID, h.delivery.Emit, h.delivery.IsOnline)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, realtime.MessageAck{
		ClientMessageID: in.ClientMessageID,
		Message:         res.Message,
		Duplicate:       res.Duplicate,
	})
}

func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var in realtime.SeenInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.fail(w, r, apperr.Invalid("malformed request body"))
		return
	}

	transitions, err := h.engine.MarkAsSeen(r.Context(), userID, &in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ids := make([]int64, 0, len(transitions))
	for _, t := range transitions {
		ids = append(ids, t.MessageID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"seen": ids})
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	msgID, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.engine.DeleteMessage(r.Context(), msgID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	msgID, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.engine.Receipts(r.Context(), msgID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []receipt.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messageId": msgID, "receipts": entries})
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, apperr.ErrorResponse{
			Code:    apperr.ErrCodeAuthentication,
			Message: "authentication required",
		})
	}
	return userID, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatusCode(err)
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   apperr.GetCode(err),
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, apperr.ToResponse(err))
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
