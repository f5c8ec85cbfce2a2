package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var (
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrInvalidAmount          = errors.New("service price must be positive")
)

// intentAPI is the slice of the Stripe PaymentIntents client this adapter uses.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Client backs the payment tracker with Stripe PaymentIntents. The intent id is the trace id.
type Client struct {
	intents  intentAPI
	currency string
	log      *logger.Logger
}

func New(secretKey, currency string, log *logger.Logger) (*Client, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}
	sc := client.New(secretKey, nil)
	if sc == nil || sc.PaymentIntents == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return newWithAPI(sc.PaymentIntents, currency, log), nil
}

func newWithAPI(intents intentAPI, currency string, log *logger.Logger) *Client {
	return &Client{intents: intents, currency: currency, log: log}
}

func (c *Client) InitiatePayment(ctx context.Context, cardID string, service models.ServiceDetails) (string, error) {
	amount := int64(math.Round(service.PrecioMensual.Float64() * 100))
	if amount <= 0 {
		return "", &stripeStatusError{code: 400, err: ErrInvalidAmount}
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(c.currency),
		Description: stripe.String(fmt.Sprintf("%s %s - %s", service.Proveedor, service.Servicio, service.Plan)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("card_id", cardID)
	params.AddMetadata("service_id", strconv.Itoa(service.ID))
	params.AddMetadata("proveedor", service.Proveedor)
	params.AddMetadata("plan", service.Plan)

	pi, err := c.intents.New(params)
	if err != nil {
		c.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return "", wrapStripeError(err)
	}

	c.log.Info("STRIPE", fmt.Sprintf("Created payment intent %s for %d %s", pi.ID, amount, c.currency))
	return pi.ID, nil
}

func (c *Client) GetPaymentStatus(ctx context.Context, traceID string) (models.StatusReport, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.intents.Get(traceID, params)
	if err != nil {
		return models.StatusReport{}, wrapStripeError(err)
	}
	return intentReport(pi), nil
}

// intentReport maps a PaymentIntent onto the tracker lifecycle.
func intentReport(pi *stripe.PaymentIntent) models.StatusReport {
	rep := models.StatusReport{Raw: string(pi.Status)}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A failed charge sends the intent back here with the decline attached.
		if pi.LastPaymentError != nil {
			rep.Status = models.StatusFailed
			rep.Error = declineMessage(pi.LastPaymentError)
			break
		}
		rep.Status = models.StatusInitial
	case stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresAction:
		rep.Status = models.StatusInitial
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		rep.Status = models.StatusInProgress
	case stripe.PaymentIntentStatusSucceeded:
		rep.Status = models.StatusFinish
	case stripe.PaymentIntentStatusCanceled:
		rep.Status = models.StatusFailed
		rep.Error = string(pi.CancellationReason)
		if pi.LastPaymentError != nil {
			rep.Error = declineMessage(pi.LastPaymentError)
		}
	default:
		rep.Status = models.StatusUnknown
	}
	return rep
}

func declineMessage(e *stripe.Error) string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.DeclineCode != "":
		return string(e.DeclineCode)
	default:
		return string(e.Code)
	}
}

// stripeStatusError exposes the Stripe HTTP status to the tracker's error classification.
type stripeStatusError struct {
	code int
	err  error
}

func (e *stripeStatusError) Error() string           { return e.err.Error() }
func (e *stripeStatusError) Unwrap() error           { return e.err }
func (e *stripeStatusError) HTTPStatus() int         { return e.code }
func (e *stripeStatusError) UpstreamMessage() string { return e.err.Error() }

func wrapStripeError(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		msg := serr.Msg
		if msg == "" {
			msg = string(serr.Code)
		}
		return &stripeStatusError{code: serr.HTTPStatusCode, err: fmt.Errorf("stripe API error: %s", msg)}
	}
	return fmt.Errorf("stripe API error: %w", err)
}
