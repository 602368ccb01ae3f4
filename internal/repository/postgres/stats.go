package postgres

import (
	"context"

	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// scopeArg encodes a stats scope; nil means every organization.
func scopeArg(scope repository.StatsScope) any {
	if scope.OrganizationIDs == nil {
		return nil
	}
	return scope.OrganizationIDs
}

// CountOrganizations counts organizations in scope.
func (r *Repository) CountOrganizations(ctx context.Context, scope repository.StatsScope) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM organizations WHERE $1::text[] IS NULL OR id = ANY($1)`, scopeArg(scope))
}

// CountProjectsIn counts projects in scope.
func (r *Repository) CountProjectsIn(ctx context.Context, scope repository.StatsScope) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM projects WHERE $1::text[] IS NULL OR organization_id = ANY($1)`, scopeArg(scope))
}

// CountContainersIn counts containers in scope, optionally by status.
func (r *Repository) CountContainersIn(ctx context.Context, scope repository.StatsScope, status string) (int, error) {
	const query = `SELECT COUNT(1) FROM containers c JOIN projects p ON p.id = c.project_id
		WHERE ($1::text[] IS NULL OR p.organization_id = ANY($1)) AND ($2::text = '' OR c.status = $2)`
	return r.count(ctx, query, scopeArg(scope), status)
}

// CountNodes counts nodes, optionally by status.
func (r *Repository) CountNodes(ctx context.Context, status string) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM nodes WHERE $1::text = '' OR status = $1`, status)
}

// ListOrganizationIDsForUser returns organizations the user owns, belongs to or holds a grant under.
func (r *Repository) ListOrganizationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM organizations WHERE id IN (`+visibleOrganizations+`) ORDER BY id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
