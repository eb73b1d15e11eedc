package ai

import (
	"fmt"

	"github.com/reelworks/reelfix/internal/ai/mock"
	"github.com/reelworks/reelfix/internal/ai/openai"
	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/pkg/models"
)

// NewProvider constructs the configured AI provider. Called once at startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, mock", cfg.Provider)
	}
}
