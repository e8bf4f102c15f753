package payments

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// EventKind is the closed set of processor events the escrow ledger reacts
// to. The reconciler switches over these exhaustively; an unhandled kind is
// a visible gap there, not a silent default branch.
type EventKind string

const (
	// EventAuthorized: the payer completed authorization; funds are held
	// and awaiting capture.
	EventAuthorized EventKind = "authorized"
	// EventCaptured: held funds were transferred to the payee.
	EventCaptured EventKind = "captured"
	// EventFailed: authorization or capture failed.
	EventFailed EventKind = "failed"
	// EventCanceled: the hold was released back to the payer.
	EventCanceled EventKind = "canceled"
)

// Event is a verified, normalized processor notification.
type Event struct {
	// ID is the processor's event ID (used in audit logs).
	ID string
	// Kind is the normalized event kind.
	Kind EventKind
	// ExternalID references the hold the event is about.
	ExternalID string
}

// VerifyAndParse checks the payload signature against the shared secret and
// maps the event onto the closed EventKind set. It fails closed: a bad
// signature returns ErrBadSignature and no event. Event types outside the
// escrow-relevant set return (nil, nil); callers acknowledge and ignore them.
func VerifyAndParse(payload []byte, sigHeader, secret string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var kind EventKind
	switch ev.Type {
	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		kind = EventAuthorized
	case stripe.EventTypePaymentIntentSucceeded:
		kind = EventCaptured
	case stripe.EventTypePaymentIntentPaymentFailed:
		kind = EventFailed
	case stripe.EventTypePaymentIntentCanceled:
		kind = EventCanceled
	default:
		// Verified but not escrow-relevant
		return nil, nil
	}

	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Data.Raw, &object); err != nil || object.ID == "" {
		return nil, fmt.Errorf("event %s: missing payment intent id: %v", ev.ID, err)
	}

	return &Event{ID: ev.ID, Kind: kind, ExternalID: object.ID}, nil
}
