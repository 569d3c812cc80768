package responder

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// SeedFile is the YAML layout of a keyword table seed.
type SeedFile struct {
	Keywords []model.KeywordResponse `yaml:"keywords"`
}

// LoadSeed reads keyword entries from a YAML file.
func LoadSeed(path string) ([]model.KeywordResponse, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword seed: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse keyword seed: %w", err)
	}

	out := make([]model.KeywordResponse, 0, len(seed.Keywords))
	for i, kw := range seed.Keywords {
		kw.Keyword = strings.ToLower(strings.TrimSpace(kw.Keyword))
		if kw.Keyword == "" || strings.TrimSpace(kw.Response) == "" {
			return nil, fmt.Errorf("keyword seed entry %d: keyword and response are required", i)
		}
		out = append(out, kw)
	}
	return out, nil
}

// KeywordStore is where seeded entries are written.
type KeywordStore interface {
	KeywordSource
	PutKeywordResponse(ctx context.Context, kw *model.KeywordResponse) error
}

// Seed writes entries into an empty keyword table and reports how many were
// written. A table that already has rows is left untouched.
func Seed(ctx context.Context, store KeywordStore, entries []model.KeywordResponse) (int, error) {
	existing, err := store.ListKeywordResponses(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i := range entries {
		kw := entries[i]
		if err := store.PutKeywordResponse(ctx, &kw); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
