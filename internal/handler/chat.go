package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// ChatHandler handles the client chat endpoints. Every route except
// CreateSession runs behind ClientSession, which binds the conversation.
type ChatHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	stream        *StreamHandler
	jwtSecret     string
	sessionTTL    time.Duration
	logger        *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(
	convSvc *service.ConversationService,
	msgSvc *service.MessageService,
	stream *StreamHandler,
	jwtSecret string,
	sessionTTL time.Duration,
	log *logger.Logger,
) *ChatHandler {
	return &ChatHandler{
		conversations: convSvc,
		messages:      msgSvc,
		stream:        stream,
		jwtSecret:     jwtSecret,
		sessionTTL:    sessionTTL,
		logger:        log,
	}
}

// Routes mounts the session-bound chat endpoints.
func (h *ChatHandler) Routes(r chi.Router) {
	r.Post("/messages", h.Send)
	r.Get("/messages", h.Messages)
	r.Post("/quick", h.Quick)
	r.Post("/human", h.RequestHuman)
	r.Delete("/human", h.CancelHuman)
	r.Get("/status", h.Status)
	r.Post("/reset", h.Reset)
	r.Get("/stream", h.Stream)
}

// CreateSession handles POST /api/v1/session. It issues an anonymous
// client identity.
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	clientID := uuid.New().String()
	token, err := middleware.GenerateToken(h.jwtSecret, middleware.Principal{
		ID:   clientID,
		Role: middleware.RoleClient,
	}, h.sessionTTL)
	if err != nil {
		h.logger.Error("failed to sign client token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SessionResponse{
		Success:  true,
		Token:    token,
		ClientID: clientID,
	})
}

// Send handles POST /api/v1/chat/messages
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())

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

	res, err := h.messages.PostClient(r.Context(), conv.ID, req.Message, req.ClientToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writePostResult(w, res, model.ViewerClient)
}

// Quick handles POST /api/v1/chat/quick
func (h *ChatHandler) Quick(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())

	var req model.QuickQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageBody(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateClientToken(req.ClientToken); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.messages.QuickQuestion(r.Context(), conv.ID, req.Question, req.ClientToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writePostResult(w, res, model.ViewerClient)
}

// Messages handles GET /api/v1/chat/messages?last_message_id=&limit=
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())

	since, err := middleware.ParseWatermark(r.URL.Query().Get("last_message_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.messages.Poll(r.Context(), conv.ID, service.PollRequest{
		Since:  since,
		Limit:  queryInt(r, "limit"),
		Viewer: model.ViewerClient,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.GetMessagesResponse{
		Success:        true,
		ConversationID: conv.ID,
		Messages:       model.Views(res.Messages, model.ViewerClient, ""),
		Status:         res.Status,
		LastMessageID:  res.LastID,
		HasMore:        res.HasMore,
	})
}

// RequestHuman handles POST /api/v1/chat/human
func (h *ChatHandler) RequestHuman(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())

	var req model.RequestHumanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Problem != "" {
		if err := middleware.ValidateMessageBody(req.Problem); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	next, msgs, err := h.conversations.RequestHuman(r.Context(), conv.ID, req.Problem)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeTransition(w, next, msgs, model.ViewerClient)
}

// CancelHuman handles DELETE /api/v1/chat/human
func (h *ChatHandler) CancelHuman(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())

	next, msgs, err := h.conversations.ReturnToBot(r.Context(), conv.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeTransition(w, next, msgs, model.ViewerClient)
}

// Status handles GET /api/v1/chat/status
func (h *ChatHandler) Status(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())
	writeJSON(w, http.StatusOK, statusResponse(conv))
}

// Reset handles POST /api/v1/chat/reset. The client starts over in a new
// conversation; the previous one keeps its state.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r.Context())

	conv, err := h.conversations.Start(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.ConversationResponse{
		Success:      true,
		Conversation: conv,
	})
}

// Stream handles GET /api/v1/chat/stream
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conv := middleware.GetConversation(r.Context())
	h.stream.Serve(w, r, conv.ID, model.ViewerClient)
}

func writePostResult(w http.ResponseWriter, res *service.PostResult, viewer model.Viewer) {
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}

	writeJSON(w, status, &model.SendMessageResponse{
		Success:        true,
		ConversationID: res.Conversation.ID,
		MessageID:      res.Message.ID,
		Message:        res.Message.View(viewer, ""),
		Responses:      model.Views(res.Replies, viewer, ""),
		Status:         res.Conversation.Status,
		Duplicate:      res.Duplicate,
		HandoffOffered: res.HandoffOffered,
	})
}

func writeTransition(w http.ResponseWriter, conv *model.Conversation, msgs []model.Message, viewer model.Viewer) {
	writeJSON(w, http.StatusOK, &model.TransitionResponse{
		Success:      true,
		Status:       conv.Status,
		Conversation: conv,
		Messages:     model.Views(msgs, viewer, ""),
	})
}

func statusResponse(conv *model.Conversation) *model.StatusResponse {
	return &model.StatusResponse{
		Success:        true,
		ConversationID: conv.ID,
		Status:         conv.Status,
		AdminName:      conv.AdminName,
	}
}
