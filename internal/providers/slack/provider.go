package slack

import (
	"context"

	"go.uber.org/zap"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

// NoOpProvider only logs. It is used when no webhook is configured.
type NoOpProvider struct {
	Log *zap.Logger
}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	if p.Log != nil {
		p.Log.Info("slack delivery disabled", zap.String("channel", channelID), zap.String("message", message))
	}
	return nil
}
