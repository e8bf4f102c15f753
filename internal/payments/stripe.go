package payments

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/traces"
)

// StripeGateway implements Gateway on Stripe PaymentIntents with manual
// capture. A PaymentIntent with capture_method=manual is the hold; capture
// and cancel map directly onto the intent lifecycle.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway using the given secret API key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "payments.CreateHold", traces.AmountMinor(req.AmountMinorUnits))
	defer span.End()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinorUnits),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
			// Redirect-based methods cannot complete an in-page authorization
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	pi, err := g.api.PaymentIntents.New(params)
	observeGatewayCall("create_hold", start, err)
	if err != nil {
		return nil, normalizeStripeErr("create_hold", err)
	}

	return &Hold{ExternalID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *StripeGateway) RetrieveStatus(ctx context.Context, externalID string) (HoldStatus, error) {
	ctx, span := traces.StartSpan(ctx, "payments.RetrieveStatus", traces.ExternalRef(externalID))
	defer span.End()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	start := time.Now()
	pi, err := g.api.PaymentIntents.Get(externalID, params)
	observeGatewayCall("retrieve_status", start, err)
	if err != nil {
		return "", normalizeStripeErr("retrieve_status", err)
	}

	return holdStatusFromIntent(pi.Status), nil
}

func (g *StripeGateway) Capture(ctx context.Context, externalID, idempotencyKey string) error {
	ctx, span := traces.StartSpan(ctx, "payments.Capture", traces.ExternalRef(externalID))
	defer span.End()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	start := time.Now()
	_, err := g.api.PaymentIntents.Capture(externalID, params)
	observeGatewayCall("capture", start, err)
	if err != nil {
		return normalizeStripeErr("capture", err)
	}
	return nil
}

func (g *StripeGateway) Cancel(ctx context.Context, externalID string) error {
	ctx, span := traces.StartSpan(ctx, "payments.Cancel", traces.ExternalRef(externalID))
	defer span.End()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	start := time.Now()
	_, err := g.api.PaymentIntents.Cancel(externalID, params)
	observeGatewayCall("cancel", start, err)
	if err != nil {
		return normalizeStripeErr("cancel", err)
	}
	return nil
}

// holdStatusFromIntent maps PaymentIntent statuses onto the normalized
// HoldStatus values the escrow service understands.
func holdStatusFromIntent(s stripe.PaymentIntentStatus) HoldStatus {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture:
		return HoldStatusAuthorized
	case stripe.PaymentIntentStatusSucceeded:
		return HoldStatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return HoldStatusCanceled
	case stripe.PaymentIntentStatusProcessing:
		return HoldStatusProcessing
	default:
		// requires_payment_method, requires_confirmation, requires_action
		return HoldStatusRequiresPayment
	}
}

// normalizeStripeErr translates Stripe API errors into the package's
// taxonomy so callers never switch on processor-specific codes.
func normalizeStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Code {
		case stripe.ErrorCodePaymentIntentUnexpectedState:
			// Capture on a succeeded intent lands here; retried captures
			// must not be treated as fatal.
			if op == "capture" {
				return ErrAlreadyCaptured
			}
		case stripe.ErrorCodeResourceMissing:
			return ErrHoldNotFound
		}
		return &GatewayError{Op: op, Code: string(stripeErr.Code), Err: err}
	}
	return &GatewayError{Op: op, Err: err}
}

func observeGatewayCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GatewayCallDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
