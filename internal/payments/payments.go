// Package payments wraps the external payment processor behind a small
// gateway interface: create an authorize-only hold, query it, capture it,
// or cancel it. No business logic lives here; the escrow service owns the
// state machine and this package only translates calls and normalizes
// processor errors.
package payments

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCaptured is returned when capturing a hold that has already
	// been captured. Benign for retried callers.
	ErrAlreadyCaptured = errors.New("hold already captured")

	// ErrHoldNotFound is returned when the processor has no record of the
	// referenced hold.
	ErrHoldNotFound = errors.New("hold not found at payment processor")

	// ErrBadSignature is returned when a webhook payload fails signature
	// verification.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// GatewayError wraps an unexpected processor failure with the operation
// that triggered it.
type GatewayError struct {
	Op   string // "create_hold", "retrieve_status", "capture", "cancel"
	Code string // processor error code, if any
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment gateway %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// HoldStatus is the normalized processor-side state of a hold.
type HoldStatus string

const (
	// HoldStatusRequiresPayment means the payer has not completed
	// authorization yet.
	HoldStatusRequiresPayment HoldStatus = "requires_payment"
	// HoldStatusProcessing means authorization is in flight.
	HoldStatusProcessing HoldStatus = "processing"
	// HoldStatusAuthorized means funds are reserved and awaiting capture.
	HoldStatusAuthorized HoldStatus = "authorized"
	// HoldStatusCaptured means the funds have been transferred.
	HoldStatusCaptured HoldStatus = "captured"
	// HoldStatusCanceled means the hold was released back to the payer.
	HoldStatusCanceled HoldStatus = "canceled"
)

// HoldRequest describes an authorize-only hold to create.
type HoldRequest struct {
	AmountMinorUnits int64
	Currency         string
	// IdempotencyKey ties retried creates to one processor-side hold.
	IdempotencyKey string
	// Metadata is attached to the processor record for reconciliation.
	Metadata map[string]string
}

// Hold is the processor-side record of reserved funds.
type Hold struct {
	// ExternalID identifies the hold at the processor.
	ExternalID string
	// ClientSecret is handed to the payer's client to complete authorization.
	ClientSecret string
}

// Gateway is the payment processor adapter used by the escrow service.
type Gateway interface {
	// CreateHold creates an authorize-only hold. It never charges immediately.
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)
	// RetrieveStatus is a read-only status query.
	RetrieveStatus(ctx context.Context, externalID string) (HoldStatus, error)
	// Capture finalizes transfer of the held funds. Capturing an
	// already-captured hold returns ErrAlreadyCaptured.
	Capture(ctx context.Context, externalID, idempotencyKey string) error
	// Cancel releases the hold back to the payer without transfer.
	Cancel(ctx context.Context, externalID string) error
}
