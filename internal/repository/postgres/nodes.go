package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

const nodeColumns = `id, name, host, description, status, ssh_user, ssh_port, ssh_key, tls_ca_cert, tls_cert, tls_key,
	docker_version, os, arch, cpus, memory_bytes, labels, last_checked_at, last_latency_ms, last_error, created_at, updated_at`

func scanNode(row pgx.Row) (*domain.Node, error) {
	var (
		n      domain.Node
		labels []byte
	)
	if err := row.Scan(
		&n.ID, &n.Name, &n.Host, &n.Description, &n.Status, &n.SSHUser, &n.SSHPort, &n.SSHKey, &n.TLSCACert, &n.TLSCert, &n.TLSKey,
		&n.DockerVersion, &n.OS, &n.Arch, &n.CPUs, &n.MemoryBytes, &labels, &n.LastCheckedAt, &n.LastLatencyMS, &n.LastError,
		&n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	if err := unmarshalJSON(labels, &n.Labels); err != nil {
		return nil, fmt.Errorf("decode node %s labels: %w", n.ID, err)
	}
	return &n, nil
}

// CreateNode registers a node.
func (r *Repository) CreateNode(ctx context.Context, node *domain.Node) error {
	labels, err := marshalJSON(nonNilMap(node.Labels))
	if err != nil {
		return err
	}
	status := node.Status
	if status == "" {
		status = domain.NodeUnknown
	}
	const query = `INSERT INTO nodes (id, name, host, description, status, ssh_user, ssh_port, ssh_key, tls_ca_cert, tls_cert, tls_key, labels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`
	_, err = r.pool.Exec(ctx, query,
		node.ID, node.Name, node.Host, node.Description, status, node.SSHUser, node.SSHPort,
		node.SSHKey, node.TLSCACert, node.TLSCert, node.TLSKey, labels, nowIfZero(node.CreatedAt),
	)
	return mapError(err)
}

// GetNodeByID fetches a node.
func (r *Repository) GetNodeByID(ctx context.Context, id string) (*domain.Node, error) {
	const query = `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	return scanNode(r.pool.QueryRow(ctx, query, id))
}

// ListNodes lists nodes by name.
func (r *Repository) ListNodes(ctx context.Context, page domain.Page) ([]domain.Node, int, error) {
	total, err := r.count(ctx, `SELECT COUNT(1) FROM nodes`)
	if err != nil {
		return nil, 0, err
	}
	w := &where{}
	limit, args := w.page(page.PageSize, page.Offset())
	rows, err := r.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`+limit, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	nodes := make([]domain.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, total, rows.Err()
}

// UpdateNode replaces node connection settings.
func (r *Repository) UpdateNode(ctx context.Context, node *domain.Node) error {
	labels, err := marshalJSON(nonNilMap(node.Labels))
	if err != nil {
		return err
	}
	const query = `UPDATE nodes
		SET name = $2,
			host = $3,
			description = $4,
			ssh_user = $5,
			ssh_port = $6,
			ssh_key = $7,
			tls_ca_cert = $8,
			tls_cert = $9,
			tls_key = $10,
			labels = $11,
			updated_at = NOW()
		WHERE id = $1 RETURNING status, created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		node.ID, node.Name, node.Host, node.Description, node.SSHUser, node.SSHPort,
		node.SSHKey, node.TLSCACert, node.TLSCert, node.TLSKey, labels,
	).Scan(&node.Status, &node.CreatedAt, &node.UpdatedAt)
	return mapError(err)
}

// RecordHealth stores a health check outcome and, when present, engine facts.
func (r *Repository) RecordHealth(ctx context.Context, result domain.HealthResult, facts *domain.Node) error {
	if facts == nil {
		const query = `UPDATE nodes SET status = $2, last_checked_at = $3, last_latency_ms = $4, last_error = $5
			WHERE id = $1`
		return execOne(ctx, r.pool, query, result.NodeID, result.Status, result.CheckedAt.UTC(), result.LatencyMS, result.Error)
	}
	const query = `UPDATE nodes
		SET status = $2,
			last_checked_at = $3,
			last_latency_ms = $4,
			last_error = $5,
			docker_version = $6,
			os = $7,
			arch = $8,
			cpus = $9,
			memory_bytes = $10
		WHERE id = $1`
	return execOne(ctx, r.pool, query,
		result.NodeID, result.Status, result.CheckedAt.UTC(), result.LatencyMS, result.Error,
		facts.DockerVersion, facts.OS, facts.Arch, facts.CPUs, facts.MemoryBytes,
	)
}

// DeleteNode removes a node and detaches its containers.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		const detach = `UPDATE containers
			SET node_id = NULL,
				runtime_id = '',
				status = CASE WHEN status IN ('running', 'paused', 'deploying') THEN 'stopped' ELSE status END,
				updated_at = NOW()
			WHERE node_id = $1`
		if _, err := tx.Exec(ctx, detach, id); err != nil {
			return mapError(err)
		}
		return execOne(ctx, tx, `DELETE FROM nodes WHERE id = $1`, id)
	})
}
