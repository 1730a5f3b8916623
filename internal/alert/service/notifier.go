package service

import (
	"context"
	"fmt"
	"strings"

	alertdomain "github.com/smallbiznis/gatekeeper/internal/alert/domain"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type NotifierParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Slack  slack.Provider
}

type SupportNotifier struct {
	log     *zap.Logger
	slack   slack.Provider
	channel string
}

func NewSupportNotifier(p NotifierParams) alertdomain.Notifier {
	return &SupportNotifier{
		log:     p.Log.Named("alert.notifier"),
		slack:   p.Slack,
		channel: p.Config.Alerts.SlackChannel,
	}
}

// Notify logs the alert and forwards it to Slack. Delivery failures are
// logged and returned; callers treat them as best effort.
func (n *SupportNotifier) Notify(ctx context.Context, alert alertdomain.Alert) error {
	n.log.Warn("support alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("tenant_id", alert.TenantID),
		zap.String("code", alert.Code),
		zap.String("subject", alert.Subject),
		zap.Int("count", alert.Count),
	)

	if err := n.slack.PostMessage(ctx, n.channel, format(alert)); err != nil {
		n.log.Error("failed to deliver support alert",
			zap.String("kind", string(alert.Kind)),
			zap.String("tenant_id", alert.TenantID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func format(alert alertdomain.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] tenant=%s", alert.Kind, alert.TenantID)
	if alert.Code != "" {
		fmt.Fprintf(&b, " code=%s", alert.Code)
	}
	if alert.Subject != "" {
		fmt.Fprintf(&b, " subject=%s", alert.Subject)
	}
	if alert.Count > 0 {
		fmt.Fprintf(&b, " count=%d", alert.Count)
	}
	if alert.Message != "" {
		fmt.Fprintf(&b, ": %s", alert.Message)
	}
	return b.String()
}
