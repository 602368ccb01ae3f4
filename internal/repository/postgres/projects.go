package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

const projectColumns = `id, organization_id, name, slug, description, status, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Slug, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.OrganizationID,
		project.Name,
		project.Slug,
		project.Description,
		project.Status,
		nowIfZero(project.CreatedAt),
	)
	return mapError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, id))
}

// ListProjects lists projects newest first.
func (r *Repository) ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, int, error) {
	w := &where{}
	if filter.OrganizationID != "" {
		w.add(`organization_id = ?`, filter.OrganizationID)
	}
	if filter.IDs != nil {
		w.add(`id = ANY(?)`, filter.IDs)
	}
	total, err := r.count(ctx, `SELECT COUNT(1) FROM projects`+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}
	limit, args := w.page(filter.Page.PageSize, filter.Page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects`+w.String()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, err
		}
		projects = append(projects, *p)
	}
	return projects, total, rows.Err()
}

// UpdateProject replaces mutable project fields.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET name = $2,
			slug = $3,
			description = $4,
			status = $5,
			updated_at = NOW()
		WHERE id = $1 RETURNING organization_id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.Name,
		project.Slug,
		project.Description,
		project.Status,
	).Scan(&project.OrganizationID, &project.CreatedAt, &project.UpdatedAt)
	return mapError(err)
}

// DeleteProject removes a project, cascading to containers when asked.
func (r *Repository) DeleteProject(ctx context.Context, id string, cascade bool) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var containers int
		err := tx.QueryRow(ctx, `SELECT (SELECT COUNT(1) FROM containers WHERE project_id = p.id)
			FROM projects p WHERE p.id = $1 FOR UPDATE`, id).Scan(&containers)
		if err != nil {
			return mapError(err)
		}
		if containers > 0 && !cascade {
			return repository.ErrConflict
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM permission_grants WHERE resource_type = 'container' AND resource_id IN (
			SELECT id FROM containers WHERE project_id = $1)`, id)
		batch.Queue(`DELETE FROM containers WHERE project_id = $1`, id)
		batch.Queue(`DELETE FROM permission_grants WHERE resource_type = 'project' AND resource_id = $1`, id)
		batch.Queue(`DELETE FROM projects WHERE id = $1`, id)
		return sendBatch(ctx, tx, batch)
	})
}

// CountContainers counts containers in a project.
func (r *Repository) CountContainers(ctx context.Context, projectID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM containers WHERE project_id = $1`, projectID)
}
