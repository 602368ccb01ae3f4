package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

const userColumns = `id, email, password_hash, first_name, last_name, role, is_active, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Role, &u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.Role,
		user.IsActive,
		timePtrToNil(user.LastLoginAt),
		nowIfZero(user.CreatedAt),
	)
	return mapError(err)
}

// GetUserByEmail fetches a user by email, case-insensitively.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// UpdateUser replaces mutable user fields.
func (r *Repository) UpdateUser(ctx context.Context, user *domain.User) error {
	const query = `UPDATE users
		SET email = $2,
			password_hash = $3,
			first_name = $4,
			last_name = $5,
			role = $6,
			is_active = $7,
			last_login_at = $8,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.Role,
		user.IsActive,
		timePtrToNil(user.LastLoginAt),
	).Scan(&user.UpdatedAt)
	return mapError(err)
}

// CountUsers returns the number of registered users.
func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM users`)
}

// CreatePasswordReset stores a reset token hash.
func (r *Repository) CreatePasswordReset(ctx context.Context, reset *domain.PasswordReset) error {
	const query = `INSERT INTO password_resets (id, user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, reset.ID, reset.UserID, reset.TokenHash, reset.ExpiresAt.UTC(), nowIfZero(reset.CreatedAt))
	return mapError(err)
}

// GetPasswordResetByTokenHash looks up a reset by its token hash.
func (r *Repository) GetPasswordResetByTokenHash(ctx context.Context, tokenHash string) (*domain.PasswordReset, error) {
	const query = `SELECT id, user_id, token_hash, expires_at, used_at, created_at
		FROM password_resets WHERE token_hash = $1`
	var p domain.PasswordReset
	if err := r.pool.QueryRow(ctx, query, tokenHash).Scan(&p.ID, &p.UserID, &p.TokenHash, &p.ExpiresAt, &p.UsedAt, &p.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// MarkPasswordResetUsed stamps used_at on an unused reset.
func (r *Repository) MarkPasswordResetUsed(ctx context.Context, id string, usedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE password_resets SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, usedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM password_resets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return mapError(err)
		}
		if exists {
			return repository.ErrConflict
		}
		return repository.ErrNotFound
	}
	return nil
}
