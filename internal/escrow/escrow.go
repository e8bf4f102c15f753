// Package escrow implements the payment lifecycle engine of the
// marketplace: a client's funds are held for the duration of an
// engagement, released to the freelancer on approval, and refunded on
// cancellation or dispute.
//
// Flow:
//  1. Bid accepted → authorize-only hold created at the processor,
//     ledger row written with status pending
//  2. Client's payment client completes authorization → pending → held
//     (via direct confirm or processor webhook, whichever lands first)
//  3. Client approves the work → hold captured, held → released
//  4. Cancellation/dispute → hold canceled, → refunded
//
// The ledger is the single source of truth locally, shadowed by the
// processor's own state for the hold. Every mutation goes through a
// compare-and-set status transition so racing callers and webhooks
// cannot double-capture or double-refund.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("escrow payment not found")
	// ErrActiveEscrowExists: at most one non-terminal escrow may exist per
	// project; creation against a project with one is rejected.
	ErrActiveEscrowExists = errors.New("project already has an active escrow payment")
	// ErrMultipleActive means the one-active-per-project invariant was
	// violated upstream; lookups fail loudly instead of picking a row.
	ErrMultipleActive = errors.New("multiple active escrow payments for project")
	// ErrInvalidTransition: the requested edge is not in the transition table.
	ErrInvalidTransition = errors.New("invalid escrow status transition")
	// ErrInvalidState: the operation is not valid for the record's current
	// status, or the processor reports a state that does not allow it.
	ErrInvalidState = errors.New("invalid escrow state for this operation")
	// ErrStaleStatus: a conditional update lost a race; the record moved
	// between read and write.
	ErrStaleStatus = errors.New("escrow status changed concurrently")
	ErrUnauthorized = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrReferenceMismatch: the supplied external reference does not match
	// the record's hold.
	ErrReferenceMismatch = errors.New("external reference does not match escrow payment")
)

// Status represents the state of an escrow payment.
type Status string

const (
	StatusPending  Status = "pending"  // Hold created, awaiting payer authorization
	StatusHeld     Status = "held"     // Funds reserved, awaiting release or refund
	StatusReleased Status = "released" // Captured and paid out to the freelancer
	StatusRefunded Status = "refunded" // Hold canceled, funds returned to the client
	StatusDisputed Status = "disputed" // Under dispute; set by support tooling
	StatusFailed   Status = "failed"   // Authorization failed or expired
	StatusCanceled Status = "canceled" // Hold canceled processor-side
)

// transitions is the complete set of legal status edges. disputed has no
// inbound edge here: support tooling moves records into it, the engine
// only takes them out.
var transitions = map[Status][]Status{
	StatusPending:  {StatusHeld, StatusFailed},
	StatusHeld:     {StatusReleased, StatusRefunded, StatusCanceled},
	StatusDisputed: {StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// EscrowPayment is the ledger record of held funds for one engagement.
// project/client/freelancer references, amount, and currency are immutable
// after creation; terminal records are retained permanently for audit.
type EscrowPayment struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"projectId"`
	ClientID          string     `json:"clientId"`
	FreelancerID      string     `json:"freelancerId"`
	Amount            int64      `json:"amount"` // minor currency units, always > 0
	Currency          string     `json:"currency"`
	ExternalReference string     `json:"externalReference"` // processor-side hold id
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	DisputeReason     string     `json:"disputeReason,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

// StatusChange carries the fields a transition may set alongside the
// status itself.
type StatusChange struct {
	ReleasedAt    *time.Time
	DisputeReason string
	Notes         string
}

// Store persists escrow payments. Status mutations are compare-and-set:
// they apply only when the record's current status equals from, and
// return ErrStaleStatus when it does not. Implementations must reject
// edges that fail CanTransition.
type Store interface {
	Create(ctx context.Context, e *EscrowPayment) error
	Get(ctx context.Context, id string) (*EscrowPayment, error)
	GetByExternalRef(ctx context.Context, ref string) (*EscrowPayment, error)
	// GetActiveByProject returns the single non-terminal escrow for the
	// project, ErrNotFound when there is none, and ErrMultipleActive when
	// the per-project invariant has been violated.
	GetActiveByProject(ctx context.Context, projectID string) (*EscrowPayment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*EscrowPayment, error)
	// ListPendingBefore returns pending escrows created before the cutoff,
	// for the expiry sweep.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowPayment, error)
	TransitionStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*EscrowPayment, error)
	TransitionByExternalRef(ctx context.Context, ref string, from, to Status, change StatusChange) (*EscrowPayment, error)
}
