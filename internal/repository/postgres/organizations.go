package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

const organizationColumns = `id, name, slug, description, owner_id, is_active, settings, created_at, updated_at`

// visibleOrganizations selects organization ids a user owns, belongs to or holds a live grant under.
const visibleOrganizations = `SELECT o.id FROM organizations o WHERE o.owner_id = $1
	UNION SELECT m.organization_id FROM organization_members m WHERE m.user_id = $1
	UNION SELECT g.resource_id FROM permission_grants g
		WHERE g.user_id = $1 AND g.resource_type = 'organization' AND (g.expires_at IS NULL OR g.expires_at > NOW())
	UNION SELECT p.organization_id FROM permission_grants g JOIN projects p ON p.id = g.resource_id
		WHERE g.user_id = $1 AND g.resource_type = 'project' AND (g.expires_at IS NULL OR g.expires_at > NOW())
	UNION SELECT p.organization_id FROM permission_grants g
		JOIN containers c ON c.id = g.resource_id
		JOIN projects p ON p.id = c.project_id
		WHERE g.user_id = $1 AND g.resource_type = 'container' AND (g.expires_at IS NULL OR g.expires_at > NOW())`

func scanOrganization(row pgx.Row) (*domain.Organization, error) {
	var o domain.Organization
	var settings []byte
	if err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.OwnerID, &o.IsActive, &settings, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	if len(settings) > 0 {
		o.Settings = settings
	}
	return &o, nil
}

// CreateOrganization inserts an organization and its owner membership in one transaction.
func (r *Repository) CreateOrganization(ctx context.Context, org *domain.Organization, owner domain.OrganizationMember) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		const insertOrg = `INSERT INTO organizations (` + organizationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
		if _, err := tx.Exec(ctx, insertOrg,
			org.ID,
			org.Name,
			org.Slug,
			org.Description,
			org.OwnerID,
			org.IsActive,
			nullableJSON(org.Settings),
			nowIfZero(org.CreatedAt),
		); err != nil {
			return mapError(err)
		}
		const insertMember = `INSERT INTO organization_members (organization_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)`
		_, err := tx.Exec(ctx, insertMember, org.ID, owner.UserID, owner.Role, nowIfZero(owner.CreatedAt))
		return mapError(err)
	})
}

// GetOrganizationByID returns an organization by identifier.
func (r *Repository) GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error) {
	const query = `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`
	return scanOrganization(r.pool.QueryRow(ctx, query, id))
}

// ListOrganizations lists organizations newest first.
func (r *Repository) ListOrganizations(ctx context.Context, filter repository.OrganizationFilter) ([]domain.Organization, int, error) {
	w := &where{}
	if filter.UserID != "" {
		w.args = append(w.args, filter.UserID)
		w.clauses = append(w.clauses, `id IN (`+visibleOrganizations+`)`)
	}
	total, err := r.count(ctx, `SELECT COUNT(1) FROM organizations`+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}
	limit, args := w.page(filter.Page.PageSize, filter.Page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+organizationColumns+` FROM organizations`+w.String()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	orgs := make([]domain.Organization, 0)
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, 0, err
		}
		orgs = append(orgs, *org)
	}
	return orgs, total, rows.Err()
}

// UpdateOrganization replaces mutable organization fields.
func (r *Repository) UpdateOrganization(ctx context.Context, org *domain.Organization) error {
	const query = `UPDATE organizations
		SET name = $2,
			slug = $3,
			description = $4,
			is_active = $5,
			settings = $6,
			updated_at = NOW()
		WHERE id = $1 RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		org.ID,
		org.Name,
		org.Slug,
		org.Description,
		org.IsActive,
		nullableJSON(org.Settings),
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	return mapError(err)
}

// DeleteOrganization removes an organization, cascading through projects when asked.
func (r *Repository) DeleteOrganization(ctx context.Context, id string, cascade bool) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var projects int
		err := tx.QueryRow(ctx, `SELECT (SELECT COUNT(1) FROM projects WHERE organization_id = o.id)
			FROM organizations o WHERE o.id = $1 FOR UPDATE`, id).Scan(&projects)
		if err != nil {
			return mapError(err)
		}
		if projects > 0 && !cascade {
			return repository.ErrConflict
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM permission_grants WHERE resource_type = 'container' AND resource_id IN (
			SELECT c.id FROM containers c JOIN projects p ON p.id = c.project_id WHERE p.organization_id = $1)`, id)
		batch.Queue(`DELETE FROM containers WHERE project_id IN (SELECT id FROM projects WHERE organization_id = $1)`, id)
		batch.Queue(`DELETE FROM permission_grants WHERE resource_type = 'project' AND resource_id IN (
			SELECT id FROM projects WHERE organization_id = $1)`, id)
		batch.Queue(`DELETE FROM projects WHERE organization_id = $1`, id)
		batch.Queue(`DELETE FROM permission_grants WHERE resource_type = 'organization' AND resource_id = $1`, id)
		batch.Queue(`DELETE FROM organizations WHERE id = $1`, id)
		return sendBatch(ctx, tx, batch)
	})
}

// UpsertMember adds a member or updates their role.
func (r *Repository) UpsertMember(ctx context.Context, member *domain.OrganizationMember) error {
	const query = `INSERT INTO organization_members (organization_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, query, member.OrganizationID, member.UserID, member.Role, nowIfZero(member.CreatedAt)).Scan(&member.CreatedAt)
	return mapError(err)
}

// RemoveMember deletes a membership.
func (r *Repository) RemoveMember(ctx context.Context, orgID, userID string) error {
	return execOne(ctx, r.pool, `DELETE FROM organization_members WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
}

// GetMember fetches a membership.
func (r *Repository) GetMember(ctx context.Context, orgID, userID string) (*domain.OrganizationMember, error) {
	const query = `SELECT organization_id, user_id, role, created_at
		FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	var m domain.OrganizationMember
	if err := r.pool.QueryRow(ctx, query, orgID, userID).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

// ListMembers lists memberships ordered by join time.
func (r *Repository) ListMembers(ctx context.Context, orgID string) ([]domain.OrganizationMember, error) {
	const query = `SELECT organization_id, user_id, role, created_at
		FROM organization_members WHERE organization_id = $1 ORDER BY created_at, user_id`
	rows, err := r.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	members := make([]domain.OrganizationMember, 0)
	for rows.Next() {
		var m domain.OrganizationMember
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountProjects counts projects assigned to an organization.
func (r *Repository) CountProjects(ctx context.Context, orgID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM projects WHERE organization_id = $1`, orgID)
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(err)
		}
	}
	return br.Close()
}
