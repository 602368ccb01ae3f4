package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

const grantColumns = `id, user_id, resource_type, resource_id, permissions, granted_by, granted_at, expires_at`

func scanGrant(row pgx.Row) (*domain.PermissionGrant, error) {
	var g domain.PermissionGrant
	if err := row.Scan(&g.ID, &g.UserID, &g.ResourceType, &g.ResourceID, &g.Permissions, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt); err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

func (r *Repository) listGrants(ctx context.Context, query string, args ...any) ([]domain.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	grants := make([]domain.PermissionGrant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

// UpsertGrant creates the grant or replaces the one held on the same resource.
func (r *Repository) UpsertGrant(ctx context.Context, grant *domain.PermissionGrant) error {
	const query = `INSERT INTO permission_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			permissions = EXCLUDED.permissions,
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		grant.ID,
		grant.UserID,
		grant.ResourceType,
		grant.ResourceID,
		grant.Permissions,
		grant.GrantedBy,
		nowIfZero(grant.GrantedAt),
		timePtrToNil(grant.ExpiresAt),
	).Scan(&grant.ID)
	return mapError(err)
}

// GetGrantByID fetches a grant.
func (r *Repository) GetGrantByID(ctx context.Context, id string) (*domain.PermissionGrant, error) {
	return scanGrant(r.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id))
}

// GetGrant fetches the grant for (user, type, resource).
func (r *Repository) GetGrant(ctx context.Context, userID, resourceType, resourceID string) (*domain.PermissionGrant, error) {
	const query = `SELECT ` + grantColumns + ` FROM permission_grants
		WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3`
	return scanGrant(r.pool.QueryRow(ctx, query, userID, resourceType, resourceID))
}

// UpdateGrant replaces the permission set and expiry of a grant.
func (r *Repository) UpdateGrant(ctx context.Context, grant *domain.PermissionGrant) error {
	const query = `UPDATE permission_grants SET permissions = $2, expires_at = $3, granted_by = $4
		WHERE id = $1 RETURNING ` + grantColumns
	updated, err := scanGrant(r.pool.QueryRow(ctx, query, grant.ID, grant.Permissions, timePtrToNil(grant.ExpiresAt), grant.GrantedBy))
	if err != nil {
		return err
	}
	*grant = *updated
	return nil
}

// DeleteGrant removes a grant by id.
func (r *Repository) DeleteGrant(ctx context.Context, id string) error {
	return execOne(ctx, r.pool, `DELETE FROM permission_grants WHERE id = $1`, id)
}

// DeleteGrantFor removes the grant for (user, type, resource).
func (r *Repository) DeleteGrantFor(ctx context.Context, userID, resourceType, resourceID string) error {
	return execOne(ctx, r.pool, `DELETE FROM permission_grants WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3`,
		userID, resourceType, resourceID)
}

// ListGrantsByUser lists a user's grants, including expired ones.
func (r *Repository) ListGrantsByUser(ctx context.Context, userID string) ([]domain.PermissionGrant, error) {
	return r.listGrants(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE user_id = $1 ORDER BY granted_at DESC, id`, userID)
}

// ListGrantsByResource lists grants held on a resource.
func (r *Repository) ListGrantsByResource(ctx context.Context, resourceType, resourceID string) ([]domain.PermissionGrant, error) {
	return r.listGrants(ctx, `SELECT `+grantColumns+` FROM permission_grants
		WHERE resource_type = $1 AND resource_id = $2 ORDER BY granted_at DESC, id`, resourceType, resourceID)
}

// DeleteExpiredGrants removes grants that expired before the cutoff.
func (r *Repository) DeleteExpiredGrants(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_grants WHERE expires_at IS NOT NULL AND expires_at < $1`, before.UTC())
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}
