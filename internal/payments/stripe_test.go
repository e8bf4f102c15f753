package payments

import (
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v81"
)

func TestNormalizeStripeErr_AlreadyCaptured(t *testing.T) {
	err := normalizeStripeErr("capture", &stripe.Error{
		Code: stripe.ErrorCodePaymentIntentUnexpectedState,
	})
	if !errors.Is(err, ErrAlreadyCaptured) {
		t.Fatalf("Expected ErrAlreadyCaptured, got %v", err)
	}
}

func TestNormalizeStripeErr_UnexpectedStateOutsideCapture(t *testing.T) {
	// The same processor code on cancel is a real failure, not a benign retry.
	err := normalizeStripeErr("cancel", &stripe.Error{
		Code: stripe.ErrorCodePaymentIntentUnexpectedState,
	})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("Expected *GatewayError, got %v", err)
	}
	if gwErr.Op != "cancel" {
		t.Errorf("Op = %s, want cancel", gwErr.Op)
	}
}

func TestNormalizeStripeErr_ResourceMissing(t *testing.T) {
	err := normalizeStripeErr("retrieve_status", &stripe.Error{
		Code: stripe.ErrorCodeResourceMissing,
	})
	if !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("Expected ErrHoldNotFound, got %v", err)
	}
}

func TestNormalizeStripeErr_Generic(t *testing.T) {
	plain := errors.New("connection reset")
	err := normalizeStripeErr("create_hold", plain)

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("Expected *GatewayError, got %v", err)
	}
	if !errors.Is(err, plain) {
		t.Error("Expected wrapped error to unwrap to the original")
	}
}

func TestHoldStatusFromIntent(t *testing.T) {
	tests := []struct {
		in   stripe.PaymentIntentStatus
		want HoldStatus
	}{
		{stripe.PaymentIntentStatusRequiresCapture, HoldStatusAuthorized},
		{stripe.PaymentIntentStatusSucceeded, HoldStatusCaptured},
		{stripe.PaymentIntentStatusCanceled, HoldStatusCanceled},
		{stripe.PaymentIntentStatusProcessing, HoldStatusProcessing},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, HoldStatusRequiresPayment},
		{stripe.PaymentIntentStatusRequiresAction, HoldStatusRequiresPayment},
	}

	for _, tt := range tests {
		if got := holdStatusFromIntent(tt.in); got != tt.want {
			t.Errorf("holdStatusFromIntent(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
