package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/gatekeeper/internal/audit/domain"
	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOverride = "entitlement_override"
	ObjectAuditLog = "audit_log"
	ObjectJob      = "background_job"
)

const (
	ActionOverrideView   = "override.view"
	ActionOverrideCreate = "override.create"
	ActionOverrideUpdate = "override.update"
	ActionOverrideDelete = "override.delete"
	ActionOverrideExpire = "override.expire"

	ActionAuditLogView = "audit_log.view"
	ActionJobView      = "job.view"
	ActionJobCancel    = "job.cancel"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer builds a policy-persisting enforcer over db and seeds the role
// policies.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	actorID := strings.TrimSpace(actor.ID)
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if actorID == "" || role == "" {
		return entdomain.NewPermissionError(role, action)
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := fmt.Sprintf("actor:%s", actorID)
	if err := s.ensureGrouping(subject, roleName(role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor_id", actorID),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.audit(ctx, "authorization.denied", actorID, role, object, action)
		return entdomain.NewPermissionError(role, action)
	}
	return nil
}

func roleName(role string) string {
	return "role:" + role
}

// ensureGrouping keeps exactly one role link for subject.
func (s *ServiceImpl) ensureGrouping(subject string, role string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, action, actorID, role, object, capability string) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Event{
		Action:     action,
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    actorID,
		TargetType: "authorization",
		TargetID:   object,
		Reason:     "role not permitted",
		Metadata: map[string]any{
			"role":   role,
			"object": object,
			"action": capability,
		},
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{roleName(RoleSuperAdmin), ObjectOverride, ActionOverrideView},
		{roleName(RoleSuperAdmin), ObjectOverride, ActionOverrideCreate},
		{roleName(RoleSuperAdmin), ObjectOverride, ActionOverrideUpdate},
		{roleName(RoleSuperAdmin), ObjectOverride, ActionOverrideDelete},
		{roleName(RoleSuperAdmin), ObjectAuditLog, ActionAuditLogView},
		{roleName(RoleSuperAdmin), ObjectJob, ActionJobView},
		{roleName(RoleSuperAdmin), ObjectJob, ActionJobCancel},

		{roleName(RoleSupport), ObjectOverride, ActionOverrideView},
		{roleName(RoleSupport), ObjectOverride, ActionOverrideCreate},
		{roleName(RoleSupport), ObjectOverride, ActionOverrideUpdate},
		{roleName(RoleSupport), ObjectOverride, ActionOverrideDelete},
		{roleName(RoleSupport), ObjectJob, ActionJobView},

		{roleName(RoleSystem), ObjectOverride, ActionOverrideExpire},
		{roleName(RoleSystem), ObjectOverride, ActionOverrideView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
