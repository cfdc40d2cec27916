package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
)

const SignatureHeader = "Stripe-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if cfg.Tolerance < 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     cfg.Tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return paymentdomain.ErrInvalidSignature
		}
		age := a.now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	expected := Sign(a.webhookSecret, ts, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

// Sign returns the hex v1 signature of payload at timestamp ts.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a Stripe-Signature header value.
func SignatureHeaderValue(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, Sign(secret, ts, payload))
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (paymentdomain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parseSucceeded(event, payload)
	case "payment_intent.payment_failed":
		return a.parseFailed(event, payload)
	case "payment_intent.requires_action":
		return a.parseRequiresAction(event, payload)
	case "payment_intent.canceled":
		return a.parseCanceled(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID                 string              `json:"id"`
	Amount             int64               `json:"amount"`
	AmountReceived     int64               `json:"amount_received"`
	Currency           string              `json:"currency"`
	Created            int64               `json:"created"`
	CancellationReason string              `json:"cancellation_reason"`
	LastPaymentError   *stripePaymentError `json:"last_payment_error"`
	NextAction         *stripeNextAction   `json:"next_action"`
}

type stripePaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

type stripeNextAction struct {
	Type string `json:"type"`
}

func (a *Adapter) decodeIntent(event stripeEvent, payload []byte) (stripePaymentIntent, paymentdomain.EventMeta, error) {
	var intent stripePaymentIntent
	if len(event.Data.Object) == 0 {
		return intent, paymentdomain.EventMeta{}, paymentdomain.ErrInvalidPayload
	}
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return intent, paymentdomain.EventMeta{}, paymentdomain.ErrInvalidPayload
	}
	intent.ID = strings.TrimSpace(intent.ID)
	if intent.ID == "" {
		return intent, paymentdomain.EventMeta{}, paymentdomain.ErrInvalidPayload
	}

	return intent, paymentdomain.EventMeta{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderEventType: event.Type,
		ExternalPaymentID: intent.ID,
		OccurredAt:        a.timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseSucceeded(event stripeEvent, payload []byte) (paymentdomain.Event, error) {
	intent, meta, err := a.decodeIntent(event, payload)
	if err != nil {
		return nil, err
	}
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	if amount <= 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return paymentdomain.Succeeded{
		EventMeta: meta,
		Amount:    amount,
		Currency:  strings.ToUpper(strings.TrimSpace(intent.Currency)),
	}, nil
}

func (a *Adapter) parseFailed(event stripeEvent, payload []byte) (paymentdomain.Event, error) {
	intent, meta, err := a.decodeIntent(event, payload)
	if err != nil {
		return nil, err
	}

	failed := paymentdomain.Failed{
		EventMeta: meta,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(intent.Currency)),
	}
	if intent.LastPaymentError != nil {
		failed.ErrorMessage = strings.TrimSpace(intent.LastPaymentError.Message)
		failed.ErrorCode = strings.TrimSpace(intent.LastPaymentError.Code)
		if failed.ErrorCode == "" {
			failed.ErrorCode = strings.TrimSpace(intent.LastPaymentError.DeclineCode)
		}
	}
	return failed, nil
}

func (a *Adapter) parseRequiresAction(event stripeEvent, payload []byte) (paymentdomain.Event, error) {
	intent, meta, err := a.decodeIntent(event, payload)
	if err != nil {
		return nil, err
	}

	out := paymentdomain.RequiresAction{EventMeta: meta}
	if intent.NextAction != nil {
		out.NextAction = strings.TrimSpace(intent.NextAction.Type)
	}
	return out, nil
}

func (a *Adapter) parseCanceled(event stripeEvent, payload []byte) (paymentdomain.Event, error) {
	intent, meta, err := a.decodeIntent(event, payload)
	if err != nil {
		return nil, err
	}
	return paymentdomain.Canceled{
		EventMeta: meta,
		Reason:    strings.TrimSpace(intent.CancellationReason),
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func (a *Adapter) timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return a.now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
