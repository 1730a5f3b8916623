package service

import (
	"context"
	"fmt"
	"strings"

	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("subscription.service"),
		repo: p.Repo,
	}
}

// GetLatest implements domain.Service.
func (s *Service) GetLatest(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, entdomain.NewValidationError("tenant_id", "tenant_id is required")
	}

	sub, err := s.repo.FindLatestByTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load latest subscription: %w", err)
	}
	return sub, nil
}

// PlanKeyForTenant implements entitlement domain.PlanKeyResolver.
func (s *Service) PlanKeyForTenant(ctx context.Context, tenantID string) (string, error) {
	sub, err := s.GetLatest(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", fmt.Errorf("%w: %w", subscriptiondomain.ErrSubscriptionNotFound, entdomain.NewNotFoundError("subscription", tenantID))
	}

	key := plan.NormalizeKey(sub.PlanKey)
	if key == "" {
		s.log.Warn("subscription has empty plan key", zap.String("tenant_id", tenantID), zap.Int64("subscription_id", sub.ID.Int64()))
		return "", entdomain.NewNotFoundError("plan", sub.PlanKey)
	}
	return key, nil
}
