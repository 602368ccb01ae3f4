package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

const containerColumns = `id, project_id, node_id, name, slug, description, type, image, tag, ports, environment, labels,
	resources, restart_policy, status, runtime_id, stop_grace_period, stop_signal, attributes, auto_deploy, source,
	last_error, created_at, updated_at`

// containerJSON holds the JSONB-encoded columns of a container row.
type containerJSON struct {
	ports, environment, labels, resources, attributes, source []byte
}

func encodeContainer(c *domain.Container) (containerJSON, error) {
	var (
		enc containerJSON
		err error
	)
	ports := c.Ports
	if ports == nil {
		ports = []domain.PortMapping{}
	}
	if enc.ports, err = marshalJSON(ports); err != nil {
		return enc, err
	}
	if enc.environment, err = marshalJSON(nonNilMap(c.Environment)); err != nil {
		return enc, err
	}
	if enc.labels, err = marshalJSON(nonNilMap(c.Labels)); err != nil {
		return enc, err
	}
	if enc.resources, err = marshalJSON(c.Resources); err != nil {
		return enc, err
	}
	if enc.source, err = marshalJSON(c.Source); err != nil {
		return enc, err
	}
	if c.Attributes != nil {
		if enc.attributes, err = marshalJSON(c.Attributes); err != nil {
			return enc, err
		}
	}
	return enc, nil
}

func scanContainer(row pgx.Row) (*domain.Container, error) {
	var (
		c   domain.Container
		enc containerJSON
	)
	if err := row.Scan(
		&c.ID, &c.ProjectID, &c.NodeID, &c.Name, &c.Slug, &c.Description, &c.Type, &c.Image, &c.Tag,
		&enc.ports, &enc.environment, &enc.labels, &enc.resources, &c.RestartPolicy, &c.Status, &c.RuntimeID,
		&c.StopGraceSecs, &c.StopSignal, &enc.attributes, &c.AutoDeploy, &enc.source, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	for _, field := range []struct {
		data []byte
		dst  any
	}{
		{enc.ports, &c.Ports},
		{enc.environment, &c.Environment},
		{enc.labels, &c.Labels},
		{enc.resources, &c.Resources},
		{enc.attributes, &c.Attributes},
		{enc.source, &c.Source},
	} {
		if err := unmarshalJSON(field.data, field.dst); err != nil {
			return nil, fmt.Errorf("decode container %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// CreateContainer inserts a container definition.
func (r *Repository) CreateContainer(ctx context.Context, c *domain.Container) error {
	enc, err := encodeContainer(c)
	if err != nil {
		return err
	}
	const query = `INSERT INTO containers (` + containerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $23)`
	_, err = r.pool.Exec(ctx, query,
		c.ID, c.ProjectID, c.NodeID, c.Name, c.Slug, c.Description, c.Type, c.Image, c.Tag,
		enc.ports, enc.environment, enc.labels, enc.resources, c.RestartPolicy, c.Status, c.RuntimeID,
		c.StopGraceSecs, c.StopSignal, enc.attributes, c.AutoDeploy, enc.source, c.LastError,
		nowIfZero(c.CreatedAt),
	)
	return mapError(err)
}

// GetContainerByID fetches a container.
func (r *Repository) GetContainerByID(ctx context.Context, id string) (*domain.Container, error) {
	const query = `SELECT ` + containerColumns + ` FROM containers WHERE id = $1`
	return scanContainer(r.pool.QueryRow(ctx, query, id))
}

// ListContainers lists containers newest first.
func (r *Repository) ListContainers(ctx context.Context, filter repository.ContainerFilter) ([]domain.Container, int, error) {
	w := &where{}
	if filter.ProjectID != "" {
		w.add(`project_id = ?`, filter.ProjectID)
	}
	if filter.OrganizationID != "" {
		w.add(`project_id IN (SELECT id FROM projects WHERE organization_id = ?)`, filter.OrganizationID)
	}
	if filter.NodeID != "" {
		w.add(`node_id = ?`, filter.NodeID)
	}
	if filter.IDs != nil {
		w.add(`id = ANY(?)`, filter.IDs)
	}
	total, err := r.count(ctx, `SELECT COUNT(1) FROM containers`+w.String(), w.args...)
	if err != nil {
		return nil, 0, err
	}
	limit, args := w.page(filter.Page.PageSize, filter.Page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+containerColumns+` FROM containers`+w.String()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	containers := make([]domain.Container, 0)
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, 0, err
		}
		containers = append(containers, *c)
	}
	return containers, total, rows.Err()
}

// UpdateContainer replaces the declared configuration. Lifecycle columns are left alone.
func (r *Repository) UpdateContainer(ctx context.Context, c *domain.Container) error {
	enc, err := encodeContainer(c)
	if err != nil {
		return err
	}
	const query = `UPDATE containers
		SET node_id = $2,
			name = $3,
			slug = $4,
			description = $5,
			type = $6,
			image = $7,
			tag = $8,
			ports = $9,
			environment = $10,
			labels = $11,
			resources = $12,
			restart_policy = $13,
			stop_grace_period = $14,
			stop_signal = $15,
			attributes = $16,
			auto_deploy = $17,
			source = $18,
			updated_at = NOW()
		WHERE id = $1 RETURNING project_id, status, runtime_id, last_error, created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		c.ID, c.NodeID, c.Name, c.Slug, c.Description, c.Type, c.Image, c.Tag,
		enc.ports, enc.environment, enc.labels, enc.resources, c.RestartPolicy,
		c.StopGraceSecs, c.StopSignal, enc.attributes, c.AutoDeploy, enc.source,
	).Scan(&c.ProjectID, &c.Status, &c.RuntimeID, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	return mapError(err)
}

// UpdateContainerStatus records a lifecycle transition.
func (r *Repository) UpdateContainerStatus(ctx context.Context, id, status, runtimeID, lastError string) error {
	const query = `UPDATE containers SET status = $2, runtime_id = $3, last_error = $4, updated_at = NOW() WHERE id = $1`
	return execOne(ctx, r.pool, query, id, status, runtimeID, lastError)
}

// DeleteContainer removes a container with its grants. Deployments and webhooks cascade.
func (r *Repository) DeleteContainer(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM permission_grants WHERE resource_type = 'container' AND resource_id = $1`, id); err != nil {
			return mapError(err)
		}
		return execOne(ctx, tx, `DELETE FROM containers WHERE id = $1`, id)
	})
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
