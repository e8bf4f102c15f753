package projects

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists projects in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed project store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, prj *Project) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projects (id, client_id, freelancer_id, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		prj.ID, prj.ClientID, nullString(prj.FreelancerID), prj.Title,
		string(prj.Status), prj.CreatedAt, prj.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Project, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, freelancer_id, title, status, created_at, updated_at
		FROM projects WHERE id = $1`, id)

	prj := &Project{}
	var freelancerID sql.NullString
	var status string
	err := row.Scan(&prj.ID, &prj.ClientID, &freelancerID, &prj.Title,
		&status, &prj.CreatedAt, &prj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	prj.FreelancerID = freelancerID.String
	prj.Status = Status(status)
	return prj, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE projects SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
