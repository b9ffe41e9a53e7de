package media

import (
	"fmt"

	"go.uber.org/zap"

	"callsession-backend/pkg/config"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/resilience"
)

// NewProvider creates the media provider selected by MEDIA_PROVIDER
func NewProvider(cfg config.MediaConfig, m *metrics.Metrics) (Provider, error) {
	logger.Info("Initializing media provider",
		zap.String("provider_type", cfg.Provider),
		zap.String("url", cfg.URL))

	switch cfg.Provider {
	case config.MediaProviderLiveKit:
		policy := resilience.DefaultPolicy()
		policy.Timeout = cfg.Timeout
		policy.MaxAttempts = cfg.MaxAttempts
		policy.Backoff = cfg.Backoff

		return NewLiveKitProvider(LiveKitConfig{
			URL:       cfg.URL,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			TokenTTL:  cfg.TokenTTL,
		}, resilience.NewExecutor("livekit", policy, m))
	case config.MediaProviderMock:
		return NewMockProvider(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown media provider %q", cfg.Provider)
	}
}
