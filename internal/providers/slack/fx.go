package slack

import (
	"strings"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if strings.TrimSpace(cfg.Alerts.SlackWebhookURL) == "" {
		return &NoOpProvider{Log: log.Named("slack")}
	}
	return NewWebhookProvider(WebhookConfig{URL: cfg.Alerts.SlackWebhookURL})
}
