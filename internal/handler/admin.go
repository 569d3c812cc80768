package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/support-chat/internal/export"
	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// DefaultAdminTail is how many recent messages a fresh admin view loads.
const DefaultAdminTail = 10

// AdminHandler handles the admin console endpoints.
type AdminHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	keywords      *service.KeywordService
	stream        *StreamHandler
	tailSize      int
	logger        *logger.Logger
}

// NewAdminHandler creates a new admin handler. tailSize <= 0 uses
// DefaultAdminTail.
func NewAdminHandler(
	convSvc *service.ConversationService,
	msgSvc *service.MessageService,
	kwSvc *service.KeywordService,
	stream *StreamHandler,
	tailSize int,
	log *logger.Logger,
) *AdminHandler {
	if tailSize <= 0 {
		tailSize = DefaultAdminTail
	}
	return &AdminHandler{
		conversations: convSvc,
		messages:      msgSvc,
		keywords:      kwSvc,
		stream:        stream,
		tailSize:      tailSize,
		logger:        log,
	}
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/assign", h.Assign)
			r.Post("/messages", h.Send)
			r.Get("/messages", h.Messages)
			r.Post("/release", h.Release)
			r.Post("/close", h.Close)
			r.Get("/status", h.Status)
			r.Get("/export", h.Export)
			r.Get("/stream", h.Stream)
		})
	})
	r.Get("/keywords", h.ListKeywords)
	r.Put("/keywords", h.PutKeyword)
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := middleware.ParseConversationID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

// List handles GET /api/v1/admin/conversations?status=&mine=&limit=
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: model.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
	}
	if mine, _ := strconv.ParseBool(r.URL.Query().Get("mine")); mine {
		filter.AdminID = agentFrom(r).ID
	}

	summaries, err := h.conversations.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Success:       true,
		Conversations: summaries,
	})
}

// Get handles GET /api/v1/admin/conversations/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.conversations.GetForAdmin(r.Context(), id, agentFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ConversationResponse{Success: true, Conversation: conv})
}

// Assign handles POST /api/v1/admin/conversations/{id}/assign
func (h *AdminHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, msgs, err := h.conversations.AssignAdmin(r.Context(), id, agentFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeTransition(w, conv, msgs, model.ViewerAdmin)
}

// Send handles POST /api/v1/admin/conversations/{id}/messages
func (h *AdminHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageBody(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateClientToken(req.ClientToken); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.messages.PostAdmin(r.Context(), id, agentFrom(r), req.Message, req.ClientToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writePostResult(w, res, model.ViewerAdmin)
}

// Messages handles GET /api/v1/admin/conversations/{id}/messages?last_message_id=&tail=&limit=
// A fresh view (no watermark) loads only the most recent messages unless
// tail=false.
func (h *AdminHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	since, err := middleware.ParseWatermark(r.URL.Query().Get("last_message_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversations.GetForAdmin(r.Context(), id, agentFrom(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	req := service.PollRequest{
		Since:  since,
		Limit:  queryInt(r, "limit"),
		Tail:   true,
		Viewer: model.ViewerAdmin,
	}
	if tail, err := strconv.ParseBool(r.URL.Query().Get("tail")); err == nil {
		req.Tail = tail
	}
	if req.Tail && since == 0 && req.Limit <= 0 {
		req.Limit = h.tailSize
	}

	res, err := h.messages.Poll(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.GetMessagesResponse{
		Success:        true,
		ConversationID: id,
		Messages:       model.Views(res.Messages, model.ViewerAdmin, ""),
		Status:         res.Status,
		LastMessageID:  res.LastID,
		HasMore:        res.HasMore,
	})
}

// Release handles POST /api/v1/admin/conversations/{id}/release
func (h *AdminHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if _, err := h.conversations.GetForAdmin(r.Context(), id, agentFrom(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	conv, msgs, err := h.conversations.ReturnToBot(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeTransition(w, conv, msgs, model.ViewerAdmin)
}

// Close handles POST /api/v1/admin/conversations/{id}/close
func (h *AdminHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.CloseConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClosingMessage != "" {
		if err := middleware.ValidateMessageBody(req.ClosingMessage); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conv, msgs, err := h.conversations.Close(r.Context(), id, agentFrom(r), req.ClosingMessage)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeTransition(w, conv, msgs, model.ViewerAdmin)
}

// Status handles GET /api/v1/admin/conversations/{id}/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.conversations.GetForAdmin(r.Context(), id, agentFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse(conv))
}

// Export handles GET /api/v1/admin/conversations/{id}/export
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, msgs, err := h.messages.Transcript(r.Context(), id, agentFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteTranscript(&buf, conv, msgs); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(conv)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// Stream handles GET /api/v1/admin/conversations/{id}/stream
func (h *AdminHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if _, err := h.conversations.GetForAdmin(r.Context(), id, agentFrom(r)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.stream.Serve(w, r, id, model.ViewerAdmin)
}

// ListKeywords handles GET /api/v1/admin/keywords
func (h *AdminHandler) ListKeywords(w http.ResponseWriter, r *http.Request) {
	entries, err := h.keywords.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []model.KeywordResponse{}
	}

	writeJSON(w, http.StatusOK, &model.KeywordsResponse{Success: true, Keywords: entries})
}

// PutKeyword handles PUT /api/v1/admin/keywords
func (h *AdminHandler) PutKeyword(w http.ResponseWriter, r *http.Request) {
	var req model.PutKeywordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateKeyword(req.Keyword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kw, err := h.keywords.Put(r.Context(), req.Keyword, req.Response)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.KeywordsResponse{
		Success:  true,
		Keywords: []model.KeywordResponse{*kw},
	})
}
