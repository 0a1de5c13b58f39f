package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"trunkline/internal/config"
	"trunkline/internal/repo"
)

// Permissions checked by the command surfaces.
const (
	PermItemRead        = "item.read"
	PermItemWrite       = "item.write"
	PermItemReport      = "item.report"
	PermLeaseWrite      = "lease.write"
	PermLeaseAdmin      = "lease.admin"
	PermDeferralSubmit  = "deferral.submit"
	PermDeferralProcess = "deferral.process"
	PermFinalizeRun     = "finalize.run"
	PermFinalizeAdmin   = "finalize.admin"
	PermRBACAdmin       = "rbac.admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Actor      string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.Actor == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("actor %s lacks permission %s", e.Actor, e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

func (s Service) repo() repo.Repo {
	if s.Repo.DB == nil {
		return repo.Repo{DB: s.DB}
	}
	return s.Repo
}

// SyncFromConfig replaces the stored role grants with cfg's and assigns the
// configured actors. Assignments made at runtime are kept.
func (s Service) SyncFromConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	r := s.repo()
	if err := r.ResetRolePermissions(ctx, tx); err != nil {
		return err
	}
	roles := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roles = append(roles, id)
	}
	sort.Strings(roles)
	for _, id := range roles {
		for _, perm := range cfg.RBAC.Roles[id].Permissions {
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, id, err)
			}
		}
	}
	for actor, ids := range cfg.RBAC.Actors {
		for _, id := range ids {
			if err := r.AssignRole(ctx, tx, actor, id); err != nil {
				return fmt.Errorf("assign %s to %s: %w", id, actor, err)
			}
		}
	}
	return nil
}

func (s Service) ActorHasPermission(ctx context.Context, q repo.Querier, actorID, perm string) (bool, error) {
	perms, err := s.repo().ActorPermissions(ctx, q, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns ForbiddenError unless actorID holds perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	ok, err := s.ActorHasPermission(ctx, nil, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Actor: actorID, Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.repo().ActorRoles(ctx, nil, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	return s.repo().ActorPermissions(ctx, nil, actorID)
}

// Assign grants roleID to actorID. The role must have permissions.
func (s Service) Assign(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	perms, err := s.repo().RolePermissions(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if len(perms) == 0 {
		return fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	return s.repo().AssignRole(ctx, tx, actorID, roleID)
}

func (s Service) Revoke(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	return s.repo().RevokeRole(ctx, tx, actorID, roleID)
}
