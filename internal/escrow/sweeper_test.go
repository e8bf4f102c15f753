package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestSweeper_ExpiresStalePending(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, testCreateRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sweeper := NewSweeper(svc, store, 24*time.Hour, time.Minute, slog.Default())

	// Fresh pending escrow is left alone
	sweeper.sweep(ctx)
	e, _ := store.Get(ctx, result.Escrow.ID)
	if e.Status != StatusPending {
		t.Fatalf("fresh pending escrow was swept to %s", e.Status)
	}

	// Backdate past the TTL
	store.mu.Lock()
	store.escrows[result.Escrow.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	sweeper.sweep(ctx)
	e, _ = store.Get(ctx, result.Escrow.ID)
	if e.Status != StatusFailed {
		t.Errorf("expected failed after sweep, got %s", e.Status)
	}
	if len(gateway.canceled) != 1 {
		t.Errorf("expected the stale hold canceled, got %d", len(gateway.canceled))
	}
}

func TestSweeper_SkipsHeldEscrows(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Create(ctx, testCreateRequest())
	gateway.authorize(result.Escrow.ExternalReference)
	if _, err := svc.Confirm(ctx, result.Escrow.ID, result.Escrow.ExternalReference); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	store.mu.Lock()
	store.escrows[result.Escrow.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	sweeper := NewSweeper(svc, store, 24*time.Hour, time.Minute, slog.Default())
	sweeper.sweep(ctx)

	e, _ := store.Get(ctx, result.Escrow.ID)
	if e.Status != StatusHeld {
		t.Errorf("held escrow must survive the sweep, got %s", e.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	sweeper := NewSweeper(svc, store, time.Hour, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	deadline := time.After(time.Second)
	for !sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never reported running")
		case <-time.After(time.Millisecond):
		}
	}

	sweeper.Stop()
	deadline = time.After(time.Second)
	for sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never stopped")
		case <-time.After(time.Millisecond):
		}
	}
}
