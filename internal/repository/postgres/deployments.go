package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

const deploymentColumns = `id, container_id, provider, trigger, status, commit_sha, image, error, triggered_by, metadata, started_at, finished_at`

func scanDeployment(row pgx.Row) (*domain.DeploymentRecord, error) {
	var (
		d        domain.DeploymentRecord
		metadata []byte
	)
	if err := row.Scan(&d.ID, &d.ContainerID, &d.Provider, &d.Trigger, &d.Status, &d.CommitSHA, &d.Image, &d.Error, &d.TriggeredBy, &metadata, &d.StartedAt, &d.FinishedAt); err != nil {
		return nil, mapError(err)
	}
	if len(metadata) > 0 {
		d.Metadata = metadata
	}
	return &d, nil
}

// CreateDeployment appends a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.ContainerID,
		record.Provider,
		record.Trigger,
		record.Status,
		record.CommitSHA,
		record.Image,
		record.Error,
		record.TriggeredBy,
		nullableJSON(record.Metadata),
		nowIfZero(record.StartedAt),
		timePtrToNil(record.FinishedAt),
	)
	return mapError(err)
}

// UpdateDeploymentStatus mutates a record that has not finished yet.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			image = COALESCE(NULLIF($3::text, ''), image),
			commit_sha = COALESCE(NULLIF($4::text, ''), commit_sha),
			error = COALESCE(NULLIF($5::text, ''), error),
			finished_at = COALESCE($6, finished_at)
		WHERE id = $1 AND status NOT IN ('success', 'failed', 'cancelled')`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		update.Image,
		update.CommitSHA,
		update.Error,
		timePtrToNil(update.FinishedAt),
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, update.DeploymentID).Scan(&exists); err != nil {
		return mapError(err)
	}
	if exists {
		return repository.ErrTerminal
	}
	return repository.ErrNotFound
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	return scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
}

// ListDeploymentsByContainer lists a container's deployments newest first.
func (r *Repository) ListDeploymentsByContainer(ctx context.Context, containerID string, page domain.Page) ([]domain.DeploymentRecord, int, error) {
	w := &where{}
	w.add(`container_id = ?`, containerID)
	total, err := r.count(ctx, `SELECT COUNT(1) FROM deployments`+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}
	limit, args := w.page(page.PageSize, page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments`+w.String()+` ORDER BY started_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	deployments := make([]domain.DeploymentRecord, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, total, rows.Err()
}

// AppendDeploymentLog persists an output line.
func (r *Repository) AppendDeploymentLog(ctx context.Context, log domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (deployment_id, sequence, line, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, log.DeploymentID, log.Sequence, log.Line, nowIfZero(log.CreatedAt))
	return mapError(err)
}

// ListDeploymentLogs returns output lines in sequence order.
func (r *Repository) ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	w := &where{}
	w.add(`deployment_id = ?`, deploymentID)
	page, args := w.page(limit, offset)
	rows, err := r.pool.Query(ctx, `SELECT deployment_id, sequence, line, created_at FROM deployment_logs`+w.String()+` ORDER BY sequence`+page, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var l domain.DeploymentLog
		if err := rows.Scan(&l.DeploymentID, &l.Sequence, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpsertWebhook saves a webhook secret.
func (r *Repository) UpsertWebhook(ctx context.Context, containerID string, secret []byte) error {
	const query = `INSERT INTO container_webhooks (container_id, secret, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (container_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, containerID, secret)
	return mapError(err)
}

// GetWebhookSecret retrieves the stored secret for a container.
func (r *Repository) GetWebhookSecret(ctx context.Context, containerID string) ([]byte, error) {
	var secret []byte
	if err := r.pool.QueryRow(ctx, `SELECT secret FROM container_webhooks WHERE container_id = $1`, containerID).Scan(&secret); err != nil {
		return nil, mapError(err)
	}
	return secret, nil
}
