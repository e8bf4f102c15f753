//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/testutil"
)

func seedParticipants(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role) VALUES
		('usr_client', 'Client', 'client@test.edu', 'client'),
		('usr_freelancer', 'Freelancer', 'freelancer@test.edu', 'freelancer')`)
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO projects (id, client_id, freelancer_id, title, status) VALUES
		('prj_site', 'usr_client', 'usr_freelancer', 'Portfolio site', 'open'),
		('prj_app', 'usr_client', 'usr_freelancer', 'Mobile app', 'open')`)
	if err != nil {
		t.Fatalf("seed projects: %v", err)
	}
}

func pgEscrow(id, projectID, ref string) *EscrowPayment {
	now := time.Now()
	return &EscrowPayment{
		ID:                id,
		ProjectID:         projectID,
		ClientID:          "usr_client",
		FreelancerID:      "usr_freelancer",
		Amount:            25000,
		Currency:          "USD",
		ExternalReference: ref,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestPostgresStore_CreateGetTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "prj_site", "pi_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.Amount != 25000 {
		t.Errorf("unexpected row: %+v", got)
	}

	byRef, err := store.GetByExternalRef(ctx, "pi_1")
	if err != nil || byRef.ID != "esc_1" {
		t.Fatalf("GetByExternalRef: %v, %+v", err, byRef)
	}

	held, err := store.TransitionStatus(ctx, "esc_1", StatusPending, StatusHeld, StatusChange{})
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Errorf("expected held, got %s", held.Status)
	}

	// Lost CAS race
	if _, err := store.TransitionStatus(ctx, "esc_1", StatusPending, StatusHeld, StatusChange{}); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}
	// Missing row
	if _, err := store.TransitionStatus(ctx, "esc_missing", StatusPending, StatusHeld, StatusChange{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	released, err := store.TransitionStatus(ctx, "esc_1", StatusHeld, StatusReleased, StatusChange{ReleasedAt: &now})
	if err != nil {
		t.Fatalf("release transition failed: %v", err)
	}
	if released.ReleasedAt == nil {
		t.Error("expected releasedAt persisted")
	}
}

func TestPostgresStore_OneActivePerProject(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "prj_site", "pi_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgEscrow("esc_2", "prj_site", "pi_2")); !errors.Is(err, ErrActiveEscrowExists) {
		t.Errorf("expected ErrActiveEscrowExists, got %v", err)
	}

	// A different project is unaffected
	if err := store.Create(ctx, pgEscrow("esc_3", "prj_app", "pi_3")); err != nil {
		t.Errorf("Create for other project failed: %v", err)
	}

	// Terminal rows free the slot
	if _, err := store.TransitionStatus(ctx, "esc_1", StatusPending, StatusFailed, StatusChange{Notes: "expired"}); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if err := store.Create(ctx, pgEscrow("esc_4", "prj_site", "pi_4")); err != nil {
		t.Errorf("Create after terminal failed: %v", err)
	}
}

func TestPostgresStore_GetActiveByProject(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.GetActiveByProject(ctx, "prj_site"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.Create(ctx, pgEscrow("esc_1", "prj_site", "pi_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	got, err := store.GetActiveByProject(ctx, "prj_site")
	if err != nil || got.ID != "esc_1" {
		t.Fatalf("GetActiveByProject: %v, %+v", err, got)
	}
}

func TestPostgresStore_ListPendingBefore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	old := pgEscrow("esc_old", "prj_site", "pi_old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgEscrow("esc_new", "prj_app", "pi_new")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale, err := store.ListPendingBefore(ctx, time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("ListPendingBefore failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "esc_old" {
		t.Errorf("expected only esc_old, got %+v", stale)
	}
}

func TestPostgresStore_TransitionByExternalRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "prj_site", "pi_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	held, err := store.TransitionByExternalRef(ctx, "pi_1", StatusPending, StatusHeld, StatusChange{})
	if err != nil {
		t.Fatalf("TransitionByExternalRef failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Errorf("expected held, got %s", held.Status)
	}

	if _, err := store.TransitionByExternalRef(ctx, "pi_missing", StatusPending, StatusHeld, StatusChange{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedParticipants(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_1", "prj_site", "pi_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, user := range []string{"usr_client", "usr_freelancer"} {
		rows, err := store.ListByUser(ctx, user, 50)
		if err != nil || len(rows) != 1 {
			t.Errorf("ListByUser(%s): %v, %d rows", user, err, len(rows))
		}
	}
	rows, err := store.ListByUser(ctx, "usr_other", 50)
	if err != nil || len(rows) != 0 {
		t.Errorf("ListByUser(usr_other): %v, %d rows", err, len(rows))
	}
}
