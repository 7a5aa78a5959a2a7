package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// UserRepository reads portal users and the role capability table.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := r.db.QueryRow(ctx, `
		SELECT id, email, full_name, role, is_active, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.IsActive, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get user")
	}
	return u, nil
}

// FirstActiveWithRole returns the longest-standing active user holding a role.
// Task assignment uses this for stage hand-off.
func (r *UserRepository) FirstActiveWithRole(ctx context.Context, role string) (*User, error) {
	u := &User{}
	err := r.db.QueryRow(ctx, `
		SELECT id, email, full_name, role, is_active, created_at
		FROM users
		WHERE role = $1 AND is_active = TRUE
		ORDER BY created_at ASC
		LIMIT 1
	`, role).Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.IsActive, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeConfiguration, "no active user holds role %q", role)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to find user for role")
	}
	return u, nil
}

// Capabilities returns the capability strings granted to a role from the
// role_capabilities table.
func (r *UserRepository) Capabilities(ctx context.Context, role string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT capability
		FROM role_capabilities
		WHERE role = $1
		ORDER BY capability
	`, role)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list role capabilities")
	}
	defer rows.Close()

	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan capability")
		}
		caps = append(caps, c)
	}
	return caps, nil
}
