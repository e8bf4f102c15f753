package users

import (
	"context"
	"database/sql"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, string(u.Role), u.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, created_at FROM users WHERE id = $1`, id)

	u := &User{}
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

func (p *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

var _ Store = (*PostgresStore)(nil)
