package authorization

import (
	"context"
	"testing"

	entdomain "github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorize_OverrideMutationRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, role := range []string{RoleSuperAdmin, RoleSupport, "SUPPORT"} {
		for _, action := range []string{ActionOverrideCreate, ActionOverrideUpdate, ActionOverrideDelete} {
			assert.NoError(t, svc.Authorize(ctx, Actor{ID: "u-" + role, Role: role}, ObjectOverride, action), "%s %s", role, action)
		}
	}
}

func TestAuthorize_DeniesOtherRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Authorize(ctx, Actor{ID: "u1", Role: "member"}, ObjectOverride, ActionOverrideCreate)
	require.Error(t, err)
	assert.ErrorIs(t, err, entdomain.ErrPermission)

	var perr *entdomain.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "member", perr.Role)

	assert.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "u2"}, ObjectOverride, ActionOverrideCreate), entdomain.ErrPermission)
	assert.ErrorIs(t, svc.Authorize(ctx, Actor{ID: "u3", Role: RoleSupport}, ObjectAuditLog, ActionAuditLogView), entdomain.ErrPermission)
}

func TestAuthorize_RoleChangeReplacesGrouping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, Actor{ID: "u1", Role: RoleSuperAdmin}, ObjectAuditLog, ActionAuditLogView))
	err := svc.Authorize(ctx, Actor{ID: "u1", Role: RoleSupport}, ObjectAuditLog, ActionAuditLogView)
	assert.ErrorIs(t, err, entdomain.ErrPermission)
}

func TestAuthorize_SystemExpiresOverrides(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.NoError(t, svc.Authorize(ctx, SystemActor, ObjectOverride, ActionOverrideExpire))
	assert.Error(t, svc.Authorize(ctx, SystemActor, ObjectOverride, ActionOverrideCreate))
}
