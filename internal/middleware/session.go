package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// ConversationKey is the context key for the client's bound conversation.
const ConversationKey ContextKey = "conversation"

// ConversationHeader names a conversation explicitly. Clients send it to keep
// following a conversation after it closes.
const ConversationHeader = "X-Conversation-ID"

// ConversationResolver finds or starts a client's open conversation.
type ConversationResolver interface {
	Active(ctx context.Context, clientID string) (*model.Conversation, bool, error)
	GetForClient(ctx context.Context, id int64, clientID string) (*model.Conversation, error)
}

// ClientSession binds the authenticated client to a conversation: the one
// named by ConversationHeader (or the conversation_id query parameter) when
// it belongs to the client, otherwise its open conversation, starting one on
// first contact.
func ClientSession(resolver ConversationResolver, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok || p.Role != RoleClient {
				writeError(w, http.StatusUnauthorized, "client session required")
				return
			}

			if raw := conversationParam(r); raw != "" {
				id, err := ParseConversationID(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				conv, err := resolver.GetForClient(r.Context(), id, p.ID)
				switch {
				case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnauthorized):
					// Unknown and foreign ids look the same to the client.
					writeError(w, http.StatusNotFound, "Conversation not found")
					return
				case err != nil:
					log.Error("failed to load client conversation", zap.Error(err), zap.Int64("conversation_id", id))
					writeError(w, http.StatusInternalServerError, "failed to load conversation")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ConversationKey, conv)))
				return
			}

			conv, created, err := resolver.Active(r.Context(), p.ID)
			if err != nil {
				log.Error("failed to resolve client conversation",
					zap.Error(err),
					zap.String("client_id", p.ID),
					zap.String("correlation_id", GetCorrelationID(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "failed to load conversation")
				return
			}
			if created {
				log.Debug("started conversation for client",
					zap.Int64("conversation_id", conv.ID),
					zap.String("client_id", p.ID),
				)
			}

			ctx := context.WithValue(r.Context(), ConversationKey, conv)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func conversationParam(r *http.Request) string {
	if v := r.Header.Get(ConversationHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("conversation_id")
}

// GetConversation gets the client's bound conversation from context.
func GetConversation(ctx context.Context) *model.Conversation {
	conv, _ := ctx.Value(ConversationKey).(*model.Conversation)
	return conv
}
