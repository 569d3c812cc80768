// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &model.ErrorResponse{Message: message})
}

// writeServiceError maps a service error onto a status code. Unknown errors
// are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var terr *service.TransitionError
	switch {
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, &model.ErrorResponse{
			Message:      terr.Reason,
			Conversation: terr.Conversation,
		})
	case errors.Is(err, service.ErrMissingInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "Unauthorized access to this conversation")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	default:
		middleware.RequestLogger(r.Context(), log).Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func agentFrom(r *http.Request) model.Agent {
	p, _ := middleware.GetPrincipal(r.Context())
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return model.Agent{ID: p.ID, Name: name}
}
