package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/authorization"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	overridedomain "github.com/smallbiznis/gatekeeper/internal/override/domain"
	"github.com/smallbiznis/gatekeeper/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const expiredBatchSize = 500

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    overridedomain.Repository
	Authz   authorization.Service
	Audit   auditdomain.Service
	Cache   overridedomain.CacheInvalidator
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    overridedomain.Repository
	authz   authorization.Service
	audit   auditdomain.Service
	cache   overridedomain.CacheInvalidator
	metrics *obsmetrics.Metrics
}

func NewService(p Params) overridedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("override.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		authz:   p.Authz,
		audit:   p.Audit,
		cache:   p.Cache,
		metrics: p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, actor authorization.Actor, req overridedomain.CreateRequest) (*overridedomain.Override, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideCreate); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, entdomain.NewValidationError("tenant_id", "tenant_id is required")
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, entdomain.NewValidationError("feature_key", "feature_key is required")
	}
	if !req.Effect.Valid() {
		return nil, entdomain.NewValidationError("effect", "effect must be grant or deny")
	}
	if err := validateExpiry(req.ExpiresAt, now); err != nil {
		return nil, err
	}
	reason, err := validateReason(req.Reason)
	if err != nil {
		return nil, err
	}

	o := &overridedomain.Override{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		FeatureKey: featureKey,
		Effect:     req.Effect,
		ExpiresAt:  req.ExpiresAt.UTC(),
		Reason:     reason,
		CreatedBy:  actor.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, o); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, entdomain.NewValidationError("id", "override already exists")
		}
		return nil, err
	}

	s.afterMutation(ctx, actor, auditdomain.ActionOverrideCreated, o, reason)
	return o, nil
}

func (s *Service) Update(ctx context.Context, actor authorization.Actor, req overridedomain.UpdateRequest) (*overridedomain.Override, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideUpdate); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	id, err := parseID(req.ID)
	if err != nil {
		return nil, err
	}
	reason, err := validateReason(req.Reason)
	if err != nil {
		return nil, err
	}

	o, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, entdomain.NewNotFoundError("override", req.ID)
	}

	if req.Effect != nil {
		if !req.Effect.Valid() {
			return nil, entdomain.NewValidationError("effect", "effect must be grant or deny")
		}
		o.Effect = *req.Effect
	}
	if req.ExpiresAt != nil {
		if err := validateExpiry(*req.ExpiresAt, now); err != nil {
			return nil, err
		}
		o.ExpiresAt = req.ExpiresAt.UTC()
	}
	o.Reason = reason
	o.UpdatedAt = now

	if err := s.repo.Update(ctx, s.db, o); err != nil {
		return nil, err
	}

	s.afterMutation(ctx, actor, auditdomain.ActionOverrideUpdated, o, reason)
	return o, nil
}

func (s *Service) Delete(ctx context.Context, actor authorization.Actor, req overridedomain.DeleteRequest) error {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideDelete); err != nil {
		return err
	}

	id, err := parseID(req.ID)
	if err != nil {
		return err
	}
	reason, err := validateReason(req.Reason)
	if err != nil {
		return err
	}

	o, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if o == nil {
		return entdomain.NewNotFoundError("override", req.ID)
	}
	if _, err := s.repo.Delete(ctx, s.db, id); err != nil {
		return err
	}

	s.afterMutation(ctx, actor, auditdomain.ActionOverrideRemoved, o, reason)
	return nil
}

func (s *Service) ListActive(ctx context.Context, actor authorization.Actor, tenantID string) ([]overridedomain.Override, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideView); err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, entdomain.NewValidationError("tenant_id", "tenant_id is required")
	}
	return s.repo.ListActive(ctx, s.db, tenantID, s.clock.Now())
}

func (s *Service) ListExpired(ctx context.Context, actor authorization.Actor, tenantID string) ([]overridedomain.Override, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideView); err != nil {
		return nil, err
	}
	return s.repo.ListExpired(ctx, s.db, strings.TrimSpace(tenantID), s.clock.Now(), 0)
}

func (s *Service) RemoveExpired(ctx context.Context) (int, error) {
	actor := authorization.SystemActor
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOverride, authorization.ActionOverrideExpire); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for {
		batch, err := s.repo.ListExpired(ctx, s.db, "", now, expiredBatchSize)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			return removed, nil
		}

		for i := range batch {
			o := batch[i]
			deleted, err := s.repo.Delete(ctx, s.db, o.ID)
			if err != nil {
				return removed, err
			}
			if !deleted {
				continue
			}
			removed++
			s.afterMutation(ctx, actor, auditdomain.ActionOverrideExpired, &o, "expired")
		}

		if len(batch) < expiredBatchSize {
			return removed, nil
		}
	}
}

func (s *Service) ActiveOverrides(ctx context.Context, tenantID string, now time.Time) ([]entdomain.Override, error) {
	items, err := s.repo.ListActive(ctx, s.db, tenantID, now)
	if err != nil {
		return nil, err
	}
	out := make([]entdomain.Override, 0, len(items))
	for _, item := range items {
		out = append(out, item.ToEntitlement())
	}
	return out, nil
}

// afterMutation audits, drops the tenant's cached snapshot and tracks the
// override expiry. Cache and audit failures are logged, never returned: the
// row change is already committed.
func (s *Service) afterMutation(ctx context.Context, actor authorization.Actor, action string, o *overridedomain.Override, reason string) {
	if err := s.cache.Invalidate(ctx, o.TenantID); err != nil {
		s.log.Error("failed to invalidate entitlement cache",
			zap.String("tenant_id", o.TenantID),
			zap.Error(err),
		)
	}
	if action != auditdomain.ActionOverrideRemoved && action != auditdomain.ActionOverrideExpired {
		if err := s.cache.TrackOverrideExpiry(ctx, o.TenantID, o.ExpiresAt); err != nil {
			s.log.Error("failed to track override expiry",
				zap.String("tenant_id", o.TenantID),
				zap.Error(err),
			)
		}
	}

	actorType := auditdomain.ActorTypeUser
	if actor.Role == authorization.RoleSystem {
		actorType = auditdomain.ActorTypeSystem
	}
	if err := s.audit.Record(ctx, auditdomain.Event{
		TenantID:   o.TenantID,
		Action:     action,
		ActorType:  actorType,
		ActorID:    actor.ID,
		TargetType: "entitlement_override",
		TargetID:   o.ID.String(),
		FeatureKey: o.FeatureKey,
		Reason:     reason,
		Metadata: map[string]any{
			"effect":     string(o.Effect),
			"expires_at": o.ExpiresAt.UTC().Format(time.RFC3339),
			"role":       actor.Role,
		},
	}); err != nil {
		s.log.Error("failed to audit override mutation", zap.String("action", action), zap.Error(err))
	}

	s.metrics.RecordOverrideMutation(ctx, action)
	s.log.Info("override mutated",
		zap.String("action", action),
		zap.String("tenant_id", o.TenantID),
		zap.String("feature_key", o.FeatureKey),
		zap.String("effect", string(o.Effect)),
		zap.Time("expires_at", o.ExpiresAt),
	)
}

func validateExpiry(expiresAt, now time.Time) error {
	if expiresAt.IsZero() {
		return entdomain.NewValidationError("expires_at", "expires_at is required")
	}
	if !expiresAt.After(now) {
		return entdomain.NewValidationError("expires_at", "expires_at must be in the future")
	}
	return nil
}

func validateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", entdomain.NewValidationError("reason", "reason is required")
	}
	return reason, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, entdomain.NewValidationError("id", "invalid override id")
	}
	return id, nil
}
