package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// KeywordService manages the bot keyword table.
type KeywordService struct {
	store  store.Store
	logger *logger.Logger
}

// NewKeywordService creates a new keyword service.
func NewKeywordService(st store.Store, log *logger.Logger) *KeywordService {
	return &KeywordService{store: st, logger: log}
}

// List returns the table in evaluation order.
func (s *KeywordService) List(ctx context.Context) ([]model.KeywordResponse, error) {
	entries, err := s.store.ListKeywordResponses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}
	return entries, nil
}

// Put inserts or replaces the entry for a keyword. Keywords are stored
// lowercased.
func (s *KeywordService) Put(ctx context.Context, keyword, response string) (*model.KeywordResponse, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return nil, missing("keyword")
	}
	if strings.TrimSpace(response) == "" {
		return nil, missing("response")
	}

	kw := &model.KeywordResponse{Keyword: keyword, Response: response}
	if err := s.store.PutKeywordResponse(ctx, kw); err != nil {
		return nil, fmt.Errorf("failed to store keyword: %w", err)
	}

	s.logger.Info("keyword updated", zap.String("keyword", keyword), zap.Int64("id", kw.ID))
	return kw, nil
}
