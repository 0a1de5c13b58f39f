package engine

import (
	"context"
	"database/sql"

	"trunkline/internal/domain"
	"trunkline/internal/engine/auth"
	"trunkline/internal/events"
)

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) access() auth.Service {
	return auth.Service{DB: e.DB, Repo: e.Repo}
}

// Require fails with auth.ForbiddenError unless actorID holds perm.
func (e Engine) Require(ctx context.Context, actorID, perm string) error {
	return e.access().Require(ctx, actorID, perm)
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (WhoAmI, error) {
	roles, err := e.access().ActorRoles(ctx, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.access().ActorPermissions(ctx, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

func (e Engine) GrantRole(ctx context.Context, actorID, roleID, by string) error {
	return e.write(ctx, func(tx *sql.Tx) error {
		if err := e.access().Assign(ctx, tx, actorID, roleID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RBACChanged, "rbac", actorID, by, events.EventPayload{"grant": roleID})
	})
}

func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, by string) error {
	return e.write(ctx, func(tx *sql.Tx) error {
		if err := e.access().Revoke(ctx, tx, actorID, roleID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RBACChanged, "rbac", actorID, by, events.EventPayload{"revoke": roleID})
	})
}

// CreateAPIKey mints a key for actorID. The plaintext is only returned here.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, by string) (domain.APIKey, string, error) {
	var key domain.APIKey
	var plain string
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		key, plain, err = e.Repo.CreateAPIKeyTx(ctx, tx, actorID, name, e.stamp())
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RBACChanged, "api_key", key.ID, by, events.EventPayload{"actor": actorID})
	})
	return key, plain, err
}
