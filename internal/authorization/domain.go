package authorization

import (
	"context"
	"errors"
)

const (
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support"
	RoleSystem     = "system"
)

// Actor is the caller of a privileged operation.
type Actor struct {
	ID   string
	Role string
}

// SystemActor is used by scheduled sweeps.
var SystemActor = Actor{ID: "scheduler", Role: RoleSystem}

type Service interface {
	// Authorize returns a *domain.PermissionError when actor may not perform
	// action on object.
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
