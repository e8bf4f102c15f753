package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow payments in PostgreSQL.
//
// The one-active-escrow-per-project invariant is enforced by a partial
// unique index on project_id over non-terminal statuses, so concurrent
// creates cannot both succeed. Status transitions are conditional
// UPDATEs keyed on the expected current status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *EscrowPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, project_id, client_id, freelancer_id,
			amount, currency, external_reference, status,
			created_at, updated_at, released_at, dispute_reason, notes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13
		)`,
		e.ID, e.ProjectID, e.ClientID, e.FreelancerID,
		e.Amount, e.Currency, e.ExternalReference, string(e.Status),
		e.CreatedAt, e.UpdatedAt, nullTime(e.ReleasedAt),
		nullString(e.DisputeReason), nullString(e.Notes),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrActiveEscrowExists
	}
	return err
}

const escrowColumns = `id, project_id, client_id, freelancer_id,
		       amount, currency, external_reference, status,
		       created_at, updated_at, released_at, dispute_reason, notes`

func (p *PostgresStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_payments WHERE external_reference = $1`, ref)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetActiveByProject(ctx context.Context, projectID string) (*EscrowPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_payments
		WHERE project_id = $1
		  AND status IN ('pending', 'held', 'disputed')
		LIMIT 2`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanEscrows(rows)
	if err != nil {
		return nil, err
	}
	switch len(result) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return result[0], nil
	default:
		return nil, ErrMultipleActive
	}
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*EscrowPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_payments
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_payments
		WHERE status = 'pending'
		  AND created_at < $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*EscrowPayment, error) {
	return p.transition(ctx, "id", id, from, to, change)
}

func (p *PostgresStore) TransitionByExternalRef(ctx context.Context, ref string, from, to Status, change StatusChange) (*EscrowPayment, error) {
	return p.transition(ctx, "external_reference", ref, from, to, change)
}

// transition applies a compare-and-set status update. The WHERE clause
// filters on both the key and the expected current status, so a lost
// race affects zero rows; a follow-up existence check tells
// ErrStaleStatus apart from ErrNotFound.
func (p *PostgresStore) transition(ctx context.Context, keyColumn, key string, from, to Status, change StatusChange) (*EscrowPayment, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_payments SET
			status = $1,
			updated_at = NOW(),
			released_at = COALESCE($2, released_at),
			dispute_reason = COALESCE($3, dispute_reason),
			notes = COALESCE($4, notes)
		WHERE `+keyColumn+` = $5 AND status = $6
		RETURNING `+escrowColumns,
		string(to), nullTime(change.ReleasedAt),
		nullString(change.DisputeReason), nullString(change.Notes),
		key, string(from),
	)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		var exists bool
		checkErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_payments WHERE `+keyColumn+` = $1)`, key,
		).Scan(&exists)
		if checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, ErrStaleStatus
		}
		return nil, ErrNotFound
	}
	return e, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*EscrowPayment, error) {
	e := &EscrowPayment{}
	var (
		status        string
		releasedAt    sql.NullTime
		disputeReason sql.NullString
		notes         sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.ProjectID, &e.ClientID, &e.FreelancerID,
		&e.Amount, &e.Currency, &e.ExternalReference, &status,
		&e.CreatedAt, &e.UpdatedAt, &releasedAt, &disputeReason, &notes,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputeReason = disputeReason.String
	e.Notes = notes.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*EscrowPayment, error) {
	var result []*EscrowPayment
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
