package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/payments"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/traces"
)

// Reconciler applies asynchronous processor events to the ledger through
// the same compare-and-set transitions the service uses. Events may be
// redelivered or arrive out of order: a redelivered event is a no-op, and
// terminal statuses are sticky — a late event implying a different
// terminal state is logged and discarded, never applied over it.
type Reconciler struct {
	store  Store
	bridge ProjectBridge
	events Events
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store Store, bridge ProjectBridge) *Reconciler {
	return &Reconciler{store: store, bridge: bridge}
}

// WithEvents adds a lifecycle event sink.
func (r *Reconciler) WithEvents(e Events) *Reconciler {
	r.events = e
	return r
}

// edge is the ledger transition a processor event implies.
type edge struct {
	from, to Status
}

// edgeFor maps each event kind onto its transition. The switch is
// exhaustive over payments.EventKind; adding a kind without handling it
// here fails the default branch loudly at runtime and is caught by tests.
func edgeFor(kind payments.EventKind) (edge, error) {
	switch kind {
	case payments.EventAuthorized:
		return edge{StatusPending, StatusHeld}, nil
	case payments.EventCaptured:
		return edge{StatusHeld, StatusReleased}, nil
	case payments.EventFailed:
		return edge{StatusPending, StatusFailed}, nil
	case payments.EventCanceled:
		return edge{StatusHeld, StatusCanceled}, nil
	default:
		return edge{}, fmt.Errorf("unhandled processor event kind %q", kind)
	}
}

// Apply applies one verified processor event to the ledger. It returns an
// error only for faults worth redelivering (store failures); benign
// outcomes — duplicates, stale orderings, unknown references — are logged,
// counted, and acknowledged.
func (r *Reconciler) Apply(ctx context.Context, ev *payments.Event) error {
	ctx, span := traces.StartSpan(ctx, "escrow.ReconcileEvent", traces.ExternalRef(ev.ExternalID))
	defer span.End()

	logger := logging.L(ctx).With(
		"event_id", ev.ID,
		"event_kind", string(ev.Kind),
		"external_reference", ev.ExternalID,
	)

	want, err := edgeFor(ev.Kind)
	if err != nil {
		logger.Error("processor event has no transition mapping", "error", err)
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "unmapped").Inc()
		return err
	}

	e, err := r.store.GetByExternalRef(ctx, ev.ExternalID)
	if errors.Is(err, ErrNotFound) {
		// Not a ledger hold of ours (or created by another environment
		// sharing the processor account). Acknowledge so the processor
		// stops redelivering.
		logger.Warn("processor event references unknown hold, discarding")
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "unknown_ref").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup by external reference: %w", err)
	}

	logger = logger.With("escrow_id", e.ID, "status", string(e.Status))

	switch {
	case e.Status == want.to:
		// Redelivery of an already-applied event
		logger.Info("processor event already applied, no-op")
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		return nil
	case e.Status.IsTerminal():
		// Terminal statuses are sticky; a late conflicting event never
		// overrides whichever terminal state was reached first.
		logger.Warn("processor event conflicts with terminal status, discarding")
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "discarded").Inc()
		return nil
	case e.Status != want.from:
		// Out-of-order delivery (e.g. a capture event observed before the
		// authorization event). The processor redelivers; the direct call
		// path may also close the gap first.
		logger.Warn("processor event arrived out of order, discarding",
			"expected_status", string(want.from))
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "discarded").Inc()
		return nil
	}

	change := StatusChange{}
	if want.to == StatusReleased {
		now := time.Now()
		change.ReleasedAt = &now
	}
	if want.to == StatusFailed {
		change.Notes = "authorization failed at processor"
	}

	updated, err := r.store.TransitionByExternalRef(ctx, ev.ExternalID, want.from, want.to, change)
	if errors.Is(err, ErrStaleStatus) {
		// Raced a direct call or another delivery; re-read and treat a
		// matching result as a duplicate.
		fresh, getErr := r.store.GetByExternalRef(ctx, ev.ExternalID)
		if getErr == nil && fresh.Status == want.to {
			logger.Info("processor event applied concurrently, no-op")
			metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
			return nil
		}
		logger.Warn("processor event lost transition race, discarding")
		metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "discarded").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s event: %w", ev.Kind, err)
	}

	logger.Info("processor event applied",
		"from", string(want.from), "to", string(want.to))
	metrics.ProcessorEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()

	if want.to == StatusReleased && r.bridge != nil {
		if err := r.bridge.MarkCompleted(ctx, updated.ProjectID); err != nil {
			logger.Warn("failed to mark project completed after captured event",
				"project_id", updated.ProjectID, "error", err)
		}
	}

	if r.events != nil {
		r.events.EscrowEvent(ctx, "escrow."+string(want.to), updated)
	}
	return nil
}
