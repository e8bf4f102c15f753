package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/escrow"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/idgen"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/notify"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/projects"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/users"
)

// -----------------------------------------------------------------------------
// Adapters wiring collaborator packages into the escrow engine
// -----------------------------------------------------------------------------

// directoryAdapter adapts users.Store to escrow.Directory
type directoryAdapter struct {
	store users.Store
}

func (a *directoryAdapter) UserExists(ctx context.Context, id string) (bool, error) {
	return a.store.Exists(ctx, id)
}

// projectBridgeAdapter adapts projects.Store to escrow.ProjectBridge
type projectBridgeAdapter struct {
	store projects.Store
}

func (a *projectBridgeAdapter) ProjectExists(ctx context.Context, id string) (bool, error) {
	_, err := a.store.Get(ctx, id)
	if errors.Is(err, projects.ErrProjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *projectBridgeAdapter) MarkInProgress(ctx context.Context, id string) error {
	return a.store.UpdateStatus(ctx, id, projects.StatusInProgress)
}

func (a *projectBridgeAdapter) MarkCompleted(ctx context.Context, id string) error {
	return a.store.UpdateStatus(ctx, id, projects.StatusCompleted)
}

// notifyEventsAdapter adapts the notify dispatcher to escrow.Events
type notifyEventsAdapter struct {
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

func (a *notifyEventsAdapter) EscrowEvent(ctx context.Context, event string, e *escrow.EscrowPayment) {
	eventType := notify.EventType(event)
	if !notify.KnownEventType(eventType) {
		return
	}

	n := &notify.Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"escrowId":     e.ID,
			"projectId":    e.ProjectID,
			"clientId":     e.ClientID,
			"freelancerId": e.FreelancerID,
			"amount":       e.Amount,
			"currency":     e.Currency,
			"status":       string(e.Status),
		},
	}

	if err := a.dispatcher.Dispatch(ctx, n); err != nil {
		a.logger.Warn("failed to dispatch notification",
			"event", event,
			"escrow_id", e.ID,
			"error", err,
		)
	}
}
