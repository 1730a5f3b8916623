package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	"github.com/smallbiznis/gatekeeper/internal/audit/masking"
	auditcontext "github.com/smallbiznis/gatekeeper/internal/auditcontext"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	obscontext "github.com/smallbiznis/gatekeeper/internal/observability/context"
	"github.com/smallbiznis/gatekeeper/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, event auditdomain.Event) error {
	action := strings.TrimSpace(event.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	tenantID := strings.TrimSpace(event.TenantID)
	if tenantID == "" {
		tenantID = obscontext.TenantIDFromContext(ctx)
	}
	targetType := strings.TrimSpace(event.TargetType)
	if targetType == "" {
		targetType = "tenant"
	}
	targetID := strings.TrimSpace(event.TargetID)
	if targetID == "" && targetType == "tenant" {
		targetID = tenantID
	}

	actorType, actorID := s.resolveActor(ctx, event.ActorType, event.ActorID)

	payload := masking.MaskMetadata(event.Metadata)
	if payload == nil {
		payload = map[string]any{}
	}
	if requestID := auditcontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	entry := auditdomain.AuditLog{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		ActorType:    actorType,
		ActorID:      normalize(actorID),
		Action:       action,
		TargetType:   targetType,
		TargetID:     normalize(targetID),
		BillingState: event.BillingState,
		Category:     event.Category,
		FeatureKey:   event.FeatureKey,
		Reason:       event.Reason,
		Metadata:     datatypes.JSONMap(payload),
		IPAddress:    normalize(auditcontext.IPAddressFromContext(ctx)),
		UserAgent:    normalize(auditcontext.UserAgentFromContext(ctx)),
		CreatedAt:    s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{
			ID:        snowflake.ID(decoded.ID),
			CreatedAt: decoded.CreatedAt,
		}
	}

	pageSize := req.Size()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:     req.TenantID,
		Action:       req.Action,
		TargetType:   req.TargetType,
		TargetID:     req.TargetID,
		BillingState: strings.ToUpper(strings.TrimSpace(req.BillingState)),
		Category:     strings.ToLower(strings.TrimSpace(req.Category)),
		FeatureKey:   req.FeatureKey,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		Cursor:       cursor,
		Limit:        pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	page, pageInfo, err := pagination.BuildCursorPage(items, pageSize, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.Int64(), CreatedAt: item.CreatedAt}
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(page))
	for _, item := range page {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: pageInfo, AuditLogs: logs}, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID string) (string, string) {
	resolvedType := strings.TrimSpace(string(actorType))
	if resolvedType == "" {
		if ctxType, ctxID := auditcontext.ActorFromContext(ctx); ctxType != "" {
			resolvedType = ctxType
			if strings.TrimSpace(actorID) == "" {
				actorID = ctxID
			}
		}
	}
	if resolvedType == "" {
		resolvedType = string(auditdomain.ActorTypeSystem)
	}
	return resolvedType, actorID
}

func normalize(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
