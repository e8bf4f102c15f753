package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/idgen"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/payments"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/traces"
)

var (
	// ErrUnknownParticipant: a referenced client or freelancer does not exist.
	ErrUnknownParticipant = errors.New("referenced user does not exist")
	// ErrUnknownProject: the referenced project does not exist.
	ErrUnknownProject = errors.New("referenced project does not exist")
)

// Directory verifies that referenced identities exist. Backed by the user
// store; the engine never reads profiles, only existence.
type Directory interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// ProjectBridge exposes the project lifecycle owned outside this package.
// The engine marks a project in progress when its escrow is created and
// completed when the payment is released; it does not own the lifecycle.
type ProjectBridge interface {
	ProjectExists(ctx context.Context, id string) (bool, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
}

// Events receives escrow lifecycle notifications. Implementations must not
// block; delivery is best-effort.
type Events interface {
	EscrowEvent(ctx context.Context, event string, e *EscrowPayment)
}

// CreateRequest contains the parameters for creating an escrow payment.
type CreateRequest struct {
	ProjectID    string `json:"projectId" binding:"required"`
	ClientID     string `json:"clientId" binding:"required"`
	FreelancerID string `json:"freelancerId" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"` // minor currency units
	Currency     string `json:"currency"`
}

// CreateResult is the created ledger row plus the client-side token needed
// to complete authorization.
type CreateResult struct {
	Escrow       *EscrowPayment `json:"escrow"`
	ClientSecret string         `json:"clientSecret"`
}

// Service owns the escrow state machine. It is the only component that
// mutates ledger status directly; the webhook reconciler goes through the
// same store transitions.
type Service struct {
	store     Store
	gateway   payments.Gateway
	directory Directory
	bridge    ProjectBridge
	events    Events
}

// NewService creates a new escrow service.
func NewService(store Store, gateway payments.Gateway, directory Directory, bridge ProjectBridge) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		directory: directory,
		bridge:    bridge,
	}
}

// WithEvents adds a lifecycle event sink.
func (s *Service) WithEvents(e Events) *Service {
	s.events = e
	return s
}

// Create places an authorize-only hold at the processor and persists the
// ledger row with status pending. The hold comes first; if the ledger
// write then fails, the hold is compensated with a cancel before the error
// surfaces.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.ProjectID(req.ProjectID), traces.AmountMinor(req.Amount))
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	if ok, err := s.bridge.ProjectExists(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("verify project: %w", err)
	} else if !ok {
		return nil, ErrUnknownProject
	}
	for _, userID := range []string{req.ClientID, req.FreelancerID} {
		if ok, err := s.directory.UserExists(ctx, userID); err != nil {
			return nil, fmt.Errorf("verify user %s: %w", userID, err)
		} else if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, userID)
		}
	}

	now := time.Now()
	e := &EscrowPayment{
		ID:           idgen.WithPrefix("esc_"),
		ProjectID:    req.ProjectID,
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	hold, err := s.gateway.CreateHold(ctx, payments.HoldRequest{
		AmountMinorUnits: e.Amount,
		Currency:         e.Currency,
		// Tie retried creates of this escrow to one processor-side hold
		IdempotencyKey: e.ID + ":hold",
		Metadata: map[string]string{
			"escrow_id":     e.ID,
			"project_id":    e.ProjectID,
			"client_id":     e.ClientID,
			"freelancer_id": e.FreelancerID,
			"type":          "escrow_payment",
		},
	})
	if err != nil {
		s.audit(ctx, "create", e, "", StatusPending, "gateway_error", err)
		return nil, fmt.Errorf("create hold: %w", err)
	}
	e.ExternalReference = hold.ExternalID

	if err := s.store.Create(ctx, e); err != nil {
		// Compensate: the hold exists at the processor but the ledger has
		// no record of it. Cancel before surfacing the error.
		if cancelErr := s.gateway.Cancel(ctx, hold.ExternalID); cancelErr != nil {
			logging.L(ctx).Error("compensating cancel failed, hold orphaned at processor",
				"escrow_id", e.ID,
				"external_reference", hold.ExternalID,
				"error", cancelErr,
			)
		}
		s.audit(ctx, "create", e, "", StatusPending, "store_error", err)
		return nil, fmt.Errorf("persist escrow payment: %w", err)
	}

	if err := s.bridge.MarkInProgress(ctx, e.ProjectID); err != nil {
		// The escrow is live either way; the project row catches up via
		// the dashboard refresh path.
		logging.L(ctx).Warn("failed to mark project in progress",
			"escrow_id", e.ID, "project_id", e.ProjectID, "error", err)
	}

	s.audit(ctx, "create", e, "", StatusPending, "applied", nil)
	metrics.EscrowHeldAmount.Observe(float64(e.Amount))
	s.emit(ctx, "escrow.created", e)

	return &CreateResult{Escrow: e, ClientSecret: hold.ClientSecret}, nil
}

// Confirm moves pending → held once the processor reports the hold as
// authorized and awaiting capture. A webhook may land first; confirming an
// already-held record is a no-op returning the current row.
func (s *Service) Confirm(ctx context.Context, escrowID, externalRef string) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm",
		traces.EscrowID(escrowID), traces.ExternalRef(externalRef))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.ExternalReference != externalRef {
		s.audit(ctx, "confirm", e, e.Status, StatusHeld, "rejected", ErrReferenceMismatch)
		return nil, ErrReferenceMismatch
	}

	switch e.Status {
	case StatusHeld:
		return e, nil // webhook got here first
	case StatusPending:
		// proceed
	default:
		s.audit(ctx, "confirm", e, e.Status, StatusHeld, "rejected", ErrInvalidState)
		return nil, fmt.Errorf("%w: cannot confirm from %s", ErrInvalidState, e.Status)
	}

	holdStatus, err := s.gateway.RetrieveStatus(ctx, e.ExternalReference)
	if err != nil {
		s.audit(ctx, "confirm", e, StatusPending, StatusHeld, "gateway_error", err)
		return nil, fmt.Errorf("retrieve hold status: %w", err)
	}
	if holdStatus != payments.HoldStatusAuthorized {
		s.audit(ctx, "confirm", e, StatusPending, StatusHeld, "rejected", ErrInvalidState)
		return nil, fmt.Errorf("%w: hold not ready to be held, processor reports %s", ErrInvalidState, holdStatus)
	}

	updated, err := s.store.TransitionStatus(ctx, e.ID, StatusPending, StatusHeld, StatusChange{})
	if errors.Is(err, ErrStaleStatus) {
		// Lost the race with the webhook reconciler; accept its result if
		// it landed on the same state.
		fresh, getErr := s.store.Get(ctx, e.ID)
		if getErr == nil && fresh.Status == StatusHeld {
			s.audit(ctx, "confirm", fresh, StatusPending, StatusHeld, "duplicate", nil)
			return fresh, nil
		}
		s.audit(ctx, "confirm", e, StatusPending, StatusHeld, "conflict", err)
		return nil, err
	}
	if err != nil {
		s.audit(ctx, "confirm", e, StatusPending, StatusHeld, "store_error", err)
		return nil, err
	}

	s.audit(ctx, "confirm", updated, StatusPending, StatusHeld, "applied", nil)
	s.emit(ctx, "escrow.held", updated)
	return updated, nil
}

// Release captures the hold and pays the freelancer. Only the paying
// client may release, only from held, and the ledger is never marked
// released before the capture succeeds.
func (s *Service) Release(ctx context.Context, escrowID string, actor Actor) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(escrowID), traces.Operation(string(OpRelease)))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if err := Authorize(actor, OpRelease, e); err != nil {
		s.audit(ctx, "release", e, e.Status, StatusReleased, "unauthorized", err)
		return nil, err
	}
	if e.Status != StatusHeld {
		s.audit(ctx, "release", e, e.Status, StatusReleased, "rejected", ErrInvalidState)
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidState, e.Status)
	}

	// Capture before touching the ledger. If this fails the record stays
	// held and the caller retries; it is never marked released speculatively.
	err = s.gateway.Capture(ctx, e.ExternalReference, e.ID+":capture")
	if err != nil && !errors.Is(err, payments.ErrAlreadyCaptured) {
		s.audit(ctx, "release", e, StatusHeld, StatusReleased, "gateway_error", err)
		return nil, fmt.Errorf("capture hold: %w", err)
	}

	now := time.Now()
	updated, err := s.store.TransitionStatus(ctx, e.ID, StatusHeld, StatusReleased, StatusChange{ReleasedAt: &now})
	if errors.Is(err, ErrStaleStatus) {
		// A webhook for the capture may have landed between our capture
		// call and the write.
		fresh, getErr := s.store.Get(ctx, e.ID)
		if getErr == nil && fresh.Status == StatusReleased {
			s.audit(ctx, "release", fresh, StatusHeld, StatusReleased, "duplicate", nil)
			return fresh, nil
		}
		s.audit(ctx, "release", e, StatusHeld, StatusReleased, "conflict", err)
		return nil, err
	}
	if err != nil {
		s.audit(ctx, "release", e, StatusHeld, StatusReleased, "store_error", err)
		return nil, err
	}

	if err := s.bridge.MarkCompleted(ctx, updated.ProjectID); err != nil {
		logging.L(ctx).Warn("failed to mark project completed after release",
			"escrow_id", updated.ID, "project_id", updated.ProjectID, "error", err)
	}

	s.audit(ctx, "release", updated, StatusHeld, StatusReleased, "applied", nil)
	s.emit(ctx, "escrow.released", updated)
	return updated, nil
}

// Refund cancels the hold and returns the funds to the client. Allowed
// only from held or disputed; the cancel happens before the ledger write.
func (s *Service) Refund(ctx context.Context, escrowID string, actor Actor, reason string) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.EscrowID(escrowID), traces.Operation(string(OpRefund)))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if err := Authorize(actor, OpRefund, e); err != nil {
		s.audit(ctx, "refund", e, e.Status, StatusRefunded, "unauthorized", err)
		return nil, err
	}
	if e.Status != StatusHeld && e.Status != StatusDisputed {
		s.audit(ctx, "refund", e, e.Status, StatusRefunded, "rejected", ErrInvalidState)
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidState, e.Status)
	}

	if err := s.gateway.Cancel(ctx, e.ExternalReference); err != nil {
		s.audit(ctx, "refund", e, e.Status, StatusRefunded, "gateway_error", err)
		return nil, fmt.Errorf("cancel hold: %w", err)
	}

	updated, err := s.store.TransitionStatus(ctx, e.ID, e.Status, StatusRefunded, StatusChange{DisputeReason: reason})
	if errors.Is(err, ErrStaleStatus) {
		fresh, getErr := s.store.Get(ctx, e.ID)
		if getErr == nil && fresh.Status == StatusRefunded {
			s.audit(ctx, "refund", fresh, e.Status, StatusRefunded, "duplicate", nil)
			return fresh, nil
		}
		s.audit(ctx, "refund", e, e.Status, StatusRefunded, "conflict", err)
		return nil, err
	}
	if err != nil {
		s.audit(ctx, "refund", e, e.Status, StatusRefunded, "store_error", err)
		return nil, err
	}

	s.audit(ctx, "refund", updated, e.Status, StatusRefunded, "applied", nil)
	s.emit(ctx, "escrow.refunded", updated)
	return updated, nil
}

// Expire fails a pending escrow whose authorization never completed.
// The processor-side hold is canceled best-effort first; an uncancelable
// hold expires on its own processor-side.
func (s *Service) Expire(ctx context.Context, e *EscrowPayment) (*EscrowPayment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Expire", traces.EscrowID(e.ID))
	defer span.End()

	// Ledger first: once the row is failed, a late confirm loses the race
	// and the hold can be canceled without stranding anyone.
	updated, err := s.store.TransitionStatus(ctx, e.ID, StatusPending, StatusFailed,
		StatusChange{Notes: "authorization window expired"})
	if errors.Is(err, ErrStaleStatus) {
		// The authorization landed while we were sweeping; leave it alone.
		s.audit(ctx, "expire", e, StatusPending, StatusFailed, "conflict", err)
		return nil, err
	}
	if err != nil {
		s.audit(ctx, "expire", e, StatusPending, StatusFailed, "store_error", err)
		return nil, err
	}

	if err := s.gateway.Cancel(ctx, e.ExternalReference); err != nil && !errors.Is(err, payments.ErrHoldNotFound) {
		logging.L(ctx).Warn("cancel expired hold failed",
			"escrow_id", e.ID, "external_ref", e.ExternalReference, "error", err)
	}

	s.audit(ctx, "expire", updated, StatusPending, StatusFailed, "applied", nil)
	s.emit(ctx, "escrow.failed", updated)
	return updated, nil
}

// Get returns an escrow payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	return s.store.Get(ctx, id)
}

// GetByProject returns the single active escrow payment for a project.
// More than one active row means the per-project invariant was violated
// upstream; the lookup fails loudly rather than picking one.
func (s *Service) GetByProject(ctx context.Context, projectID string) (*EscrowPayment, error) {
	return s.store.GetActiveByProject(ctx, projectID)
}

// ListByUser returns escrow payments where the user is client or freelancer.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*EscrowPayment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) emit(ctx context.Context, event string, e *EscrowPayment) {
	if s.events != nil {
		s.events.EscrowEvent(ctx, event, e)
	}
}

// audit logs every transition attempt, applied or not. Escrow transitions
// are financial records; rejected attempts are part of the audit trail.
func (s *Service) audit(ctx context.Context, op string, e *EscrowPayment, from, to Status, outcome string, err error) {
	metrics.EscrowTransitionsTotal.WithLabelValues(op, outcome).Inc()

	attrs := []any{
		"operation", op,
		"escrow_id", e.ID,
		"project_id", e.ProjectID,
		"from", string(from),
		"to", string(to),
		"outcome", outcome,
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}

	logger := logging.L(ctx)
	switch outcome {
	case "applied", "duplicate":
		logger.Info("escrow transition", attrs...)
	case "rejected", "unauthorized", "conflict":
		logger.Warn("escrow transition rejected", attrs...)
	default:
		logger.Error("escrow transition failed", attrs...)
	}
}
