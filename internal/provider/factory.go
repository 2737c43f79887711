package provider

import (
	"fmt"
	"log/slog"

	"github.com/bigkaa/audioscribe/internal/config"
)

// New создаёт провайдера, выбранного в конфигурации (AS_PROVIDER).
// Экземпляр создаётся один раз при старте и передаётся потребителям явно.
func New(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderDeepgram:
		return NewDeepgram(DeepgramConfig{
			APIKey:  cfg.DeepgramAPIKey,
			BaseURL: cfg.DeepgramBaseURL,
			Model:   cfg.DeepgramModel,
		}, logger), nil
	case config.ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger), nil
	default:
		return nil, fmt.Errorf("неизвестный провайдер распознавания: %q", cfg.Provider)
	}
}
