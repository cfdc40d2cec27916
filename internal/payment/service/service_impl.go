package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storeforge/internal/clock"
	notificationdomain "github.com/smallbiznis/storeforge/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/storeforge/internal/order/domain"
	"github.com/smallbiznis/storeforge/internal/outbox"
	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errAlreadyClaimed rolls back a handler transaction that lost the claim race.
var errAlreadyClaimed = errors.New("payment_event_already_claimed")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            paymentdomain.Repository
	OrderRepo       orderdomain.Repository
	NotificationSvc notificationdomain.Service
	Outbox          *outbox.Writer
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            paymentdomain.Repository
	orderRepo       orderdomain.Repository
	notificationSvc notificationdomain.Service
	outbox          *outbox.Writer
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		orderRepo:       p.OrderRepo,
		notificationSvc: p.NotificationSvc,
		outbox:          p.Outbox,
		obsMetrics:      p.ObsMetrics,
	}
}

// ProcessEvent records the delivery and runs the handler for its type once per
// provider event id. A handler error is stored on the event row and returned.
func (s *Service) ProcessEvent(ctx context.Context, event paymentdomain.Event) (paymentdomain.Outcome, error) {
	if event == nil {
		return "", paymentdomain.ErrInvalidEvent
	}
	meta := event.Metadata()
	provider := strings.ToLower(strings.TrimSpace(meta.Provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	if strings.TrimSpace(meta.ProviderEventID) == "" || strings.TrimSpace(meta.ExternalPaymentID) == "" {
		return "", paymentdomain.ErrInvalidEvent
	}

	payload := meta.RawPayload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: meta.ProviderEventID,
		EventType:       meta.ProviderEventType,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return "", err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, meta.ProviderEventID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.record(ctx, provider, event, paymentdomain.OutcomeDuplicate)
			return paymentdomain.OutcomeDuplicate, nil
		}
	}

	log := s.log.With(
		zap.String("provider", provider),
		zap.String("provider_event_id", meta.ProviderEventID),
		zap.String("external_payment_id", meta.ExternalPaymentID),
		zap.String("event_type", string(event.Type())),
	)

	var outcome paymentdomain.Outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimEvent(ctx, tx, stored.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyClaimed
		}
		outcome, err = s.apply(ctx, tx, log, event)
		return err
	})
	switch {
	case errors.Is(err, errAlreadyClaimed):
		s.record(ctx, provider, event, paymentdomain.OutcomeDuplicate)
		return paymentdomain.OutcomeDuplicate, nil
	case err != nil:
		if markErr := s.repo.MarkEventFailed(ctx, s.db, stored.ID, err.Error()); markErr != nil {
			log.Warn("failed to record payment event error", zap.Error(markErr))
		}
		s.record(ctx, provider, event, paymentdomain.OutcomeHandlerError)
		return paymentdomain.OutcomeHandlerError, &paymentdomain.HandlerError{EventType: event.Type(), Err: err}
	}

	s.outbox.Kick()
	s.record(ctx, provider, event, outcome)
	return outcome, nil
}

func (s *Service) record(ctx context.Context, provider string, event paymentdomain.Event, outcome paymentdomain.Outcome) {
	s.obsMetrics.RecordPaymentEvent(ctx, provider, string(event.Type()), string(outcome))
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, log *zap.Logger, event paymentdomain.Event) (paymentdomain.Outcome, error) {
	record, err := s.repo.FindRecordByExternalID(ctx, tx, event.Metadata().ExternalPaymentID)
	if err != nil {
		return "", err
	}
	if record == nil {
		log.Warn("payment record not found")
		return paymentdomain.OutcomeRecordMissing, nil
	}
	if record.Status.Terminal() {
		log.Info("payment record already terminal",
			zap.String("payment_id", record.ID.String()),
			zap.String("status", string(record.Status)),
		)
		return paymentdomain.OutcomeTerminal, nil
	}

	order, err := s.orderRepo.FindByID(ctx, tx, record.OrderID)
	if err != nil {
		return "", err
	}
	if order == nil {
		return "", paymentdomain.ErrOrderNotFound
	}

	switch e := event.(type) {
	case paymentdomain.Succeeded:
		err = s.handleSucceeded(ctx, tx, record, order, e)
	case paymentdomain.Failed:
		err = s.handleFailed(ctx, tx, record, order, e)
	case paymentdomain.RequiresAction:
		err = s.handleRequiresAction(ctx, tx, record, order, e)
	case paymentdomain.Canceled:
		err = s.handleCanceled(ctx, tx, record, order)
	default:
		log.Info("payment event type not handled")
		return paymentdomain.OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	log.Info("payment event applied",
		zap.String("payment_id", record.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("store_id", order.StoreID.String()),
	)
	return paymentdomain.OutcomeProcessed, nil
}

func (s *Service) handleSucceeded(ctx context.Context, tx *gorm.DB, record *paymentdomain.Record, order *orderdomain.Order, event paymentdomain.Succeeded) error {
	if err := s.transition(ctx, tx, record, order, paymentdomain.StatusPaid, nil, nil, orderdomain.PaymentStatusPaid); err != nil {
		return err
	}

	amount := MajorUnits(event.Amount)
	currency := event.Currency
	if currency == "" {
		currency = strings.ToUpper(order.Currency)
	}
	if _, err := s.notificationSvc.CreateTx(ctx, tx, notificationdomain.CreateRequest{
		StoreID: order.StoreID,
		Type:    notificationdomain.TypePaymentReceived,
		Title:   "Payment received",
		Content: fmt.Sprintf("Payment of %.2f %s received for order #%s", amount, currency, order.OrderNumber),
		Data: map[string]any{
			"order_id":   order.ID.String(),
			"payment_id": record.ID.String(),
			"amount":     amount,
			"currency":   currency,
		},
	}); err != nil {
		return err
	}

	return s.outbox.Enqueue(ctx, tx, order.StoreID, realtime.EventPaymentReceived, paymentReceivedPayload{
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		PaymentID:   record.ID.String(),
		Amount:      amount,
		Currency:    currency,
	})
}

func (s *Service) handleFailed(ctx context.Context, tx *gorm.DB, record *paymentdomain.Record, order *orderdomain.Order, event paymentdomain.Failed) error {
	message := event.ErrorMessage
	if message == "" {
		message = "payment failed"
	}
	code := nullable(event.ErrorCode)
	if err := s.transition(ctx, tx, record, order, paymentdomain.StatusFailed, &message, code, orderdomain.PaymentStatusFailed); err != nil {
		return err
	}

	data := map[string]any{
		"order_id":   order.ID.String(),
		"payment_id": record.ID.String(),
		"error":      message,
	}
	if code != nil {
		data["error_code"] = *code
	}
	if _, err := s.notificationSvc.CreateTx(ctx, tx, notificationdomain.CreateRequest{
		StoreID: order.StoreID,
		Type:    notificationdomain.TypeRefundRequest,
		Title:   "Payment failed",
		Content: fmt.Sprintf("Payment for order #%s failed: %s", order.OrderNumber, message),
		Data:    data,
	}); err != nil {
		return err
	}

	return s.outbox.Enqueue(ctx, tx, order.StoreID, realtime.EventPaymentFailed, paymentFailedPayload{
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		PaymentID:   record.ID.String(),
		Error:       message,
		ErrorCode:   event.ErrorCode,
	})
}

func (s *Service) handleRequiresAction(ctx context.Context, tx *gorm.DB, record *paymentdomain.Record, order *orderdomain.Order, event paymentdomain.RequiresAction) error {
	if err := s.transition(ctx, tx, record, order, paymentdomain.StatusRequiresAction, nil, nil, ""); err != nil {
		return err
	}

	if _, err := s.notificationSvc.CreateTx(ctx, tx, notificationdomain.CreateRequest{
		StoreID: order.StoreID,
		Type:    notificationdomain.TypeSecurityAlert,
		Title:   "Payment requires action",
		Content: fmt.Sprintf("Payment for order #%s requires additional customer action", order.OrderNumber),
		Data: map[string]any{
			"order_id":    order.ID.String(),
			"payment_id":  record.ID.String(),
			"next_action": event.NextAction,
		},
	}); err != nil {
		return err
	}

	return s.outbox.Enqueue(ctx, tx, order.StoreID, realtime.EventPaymentRequiresAction, paymentRequiresActionPayload{
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
		PaymentID:   record.ID.String(),
		NextAction:  event.NextAction,
	})
}

func (s *Service) handleCanceled(ctx context.Context, tx *gorm.DB, record *paymentdomain.Record, order *orderdomain.Order) error {
	return s.transition(ctx, tx, record, order, paymentdomain.StatusCanceled, nil, nil, orderdomain.PaymentStatusCanceled)
}

// transition moves the record and, when orderStatus is set, mirrors it on the order.
func (s *Service) transition(
	ctx context.Context,
	tx *gorm.DB,
	record *paymentdomain.Record,
	order *orderdomain.Order,
	status paymentdomain.Status,
	lastError *string,
	lastErrorCode *string,
	orderStatus orderdomain.PaymentStatus,
) error {
	now := s.clock.Now()
	updated, err := s.repo.UpdateRecordStatus(ctx, tx, record.ID, paymentdomain.RecordUpdate{
		Status:        status,
		LastError:     lastError,
		LastErrorCode: lastErrorCode,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("payment record %s changed concurrently", record.ID)
	}
	if orderStatus == "" {
		return nil
	}
	_, err = s.orderRepo.UpdatePaymentStatus(ctx, tx, order.ID, orderStatus, now)
	return err
}

// MajorUnits converts provider minor units to the amount shown to clients.
func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

func nullable(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

type paymentReceivedPayload struct {
	OrderID     string  `json:"orderId"`
	OrderNumber string  `json:"orderNumber"`
	PaymentID   string  `json:"paymentId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

type paymentFailedPayload struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	PaymentID   string `json:"paymentId"`
	Error       string `json:"error"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

type paymentRequiresActionPayload struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	PaymentID   string `json:"paymentId"`
	NextAction  string `json:"nextAction,omitempty"`
}
