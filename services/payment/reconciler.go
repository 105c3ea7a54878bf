package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/repository"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/license"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payment_webhook_events_total",
	Help: "Payment events by type and outcome.",
}, []string{"type", "outcome"})

const (
	defaultRetention = 30 * 24 * time.Hour
	taskMaxRetry     = 10
)

// Reconciler turns payment events into lifecycle operations. Every event id
// is applied at most once.
type Reconciler struct {
	db        *gorm.DB
	events    repository.Repository[ProcessedEvent]
	licenses  *license.Service
	locker    lock.Locker
	enqueuer  task.Enqueuer
	flags     featureflags.FeatureFlag
	secret    string
	tolerance time.Duration
	retention time.Duration
	async     bool
	clock     func() time.Time
}

type ReconcilerParams struct {
	fx.In
	DB       *gorm.DB
	License  *license.Service
	Locker   lock.Locker
	Config   *config.Config
	Enqueuer task.Enqueuer            `optional:"true"`
	Flags    featureflags.FeatureFlag `optional:"true"`
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	r := &Reconciler{
		db:        p.DB,
		events:    repository.ProvideStore[ProcessedEvent](p.DB),
		licenses:  p.License,
		locker:    p.Locker,
		enqueuer:  p.Enqueuer,
		flags:     p.Flags,
		tolerance: DefaultTolerance,
		retention: defaultRetention,
		clock:     time.Now,
	}

	if cfg := p.Config; cfg != nil {
		r.secret = cfg.Payment.WebhookSecret
		r.async = cfg.Payment.AsyncWebhooks
		if cfg.Payment.WebhookTolerance > 0 {
			r.tolerance = cfg.Payment.WebhookTolerance
		}
		if cfg.Payment.EventRetention > 0 {
			r.retention = cfg.Payment.EventRetention
		}
	}
	return r
}

func (r *Reconciler) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// HandleWebhook verifies the delivery and either applies it or queues it
// for the worker.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, header string) (*Result, error) {
	zapLog := loggerFrom(ctx)

	if err := VerifySignature(payload, header, r.secret, r.tolerance, r.clock()); err != nil {
		zapLog.Warn("webhook signature rejected", zap.Error(err))
		webhookEventsTotal.WithLabelValues("unknown", "signature_invalid").Inc()
		return nil, err
	}

	event, err := ParseEvent(payload)
	if err != nil {
		zapLog.Warn("webhook payload rejected", zap.Error(err))
		return nil, err
	}

	if r.enqueuer != nil && r.asyncEnabled(ctx) {
		return r.enqueue(ctx, event, payload)
	}
	return r.Process(ctx, event)
}

// asyncEnabled lets the async_payment_webhooks flag override
// PAYMENT.ASYNC_WEBHOOKS at runtime.
func (r *Reconciler) asyncEnabled(ctx context.Context) bool {
	if r.flags == nil {
		return r.async
	}
	return r.flags.Enabled(ctx, featureflags.AsyncPaymentWebhooks, r.async)
}

func (r *Reconciler) enqueue(ctx context.Context, event *Event, payload []byte) (*Result, error) {
	zapLog := loggerFrom(ctx).With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

	t := asynq.NewTask(taskname.PaymentEventProcess, payload)
	_, err := r.enqueuer.Enqueue(ctx, t,
		asynq.Queue(taskname.QueueCritical),
		asynq.TaskID(event.ID),
		asynq.MaxRetry(taskMaxRetry),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		zapLog.Error("failed to enqueue payment event", zap.Error(err))
		return nil, errutil.Internal("failed to enqueue payment event", err)
	}

	zapLog.Info("payment event queued")
	webhookEventsTotal.WithLabelValues(event.Type, string(OutcomeQueued)).Inc()
	return &Result{EventID: event.ID, EventType: event.Type, Outcome: OutcomeQueued}, nil
}

// HandleTask is the asynq handler for queued events. Validation failures are
// not retried.
func (r *Reconciler) HandleTask(ctx context.Context, t *asynq.Task) error {
	event, err := ParseEvent(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if _, err := r.Process(ctx, event); err != nil {
		if permanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// Process applies one event. The state change and the event record commit in
// one transaction, so an event id is either fully applied and recorded or
// neither, and a failed delivery is retried by the sender.
func (r *Reconciler) Process(ctx context.Context, event *Event) (*Result, error) {
	zapLog := loggerFrom(ctx).With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

	var result *Result
	err := r.locker.WithLock(ctx, rediskey.BuildPaymentEventLockKey(event.ID), func(ctx context.Context) error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			events := r.events.WithTrx(tx)
			seen, err := events.FindOne(ctx, &ProcessedEvent{EventID: event.ID})
			if err != nil {
				return err
			}
			if seen != nil {
				result = &Result{EventID: event.ID, EventType: event.Type, Outcome: OutcomeDuplicate}
				if seen.LicenseID != nil {
					result.LicenseID = *seen.LicenseID
				}
				return nil
			}

			result, err = r.dispatch(ctx, r.licenses.WithTrx(tx), event)
			if err != nil {
				return err
			}

			record := &ProcessedEvent{
				EventID:    event.ID,
				EventType:  event.Type,
				Outcome:    result.Outcome,
				ReceivedAt: r.now(),
			}
			if result.LicenseID != "" {
				id := result.LicenseID
				record.LicenseID = &id
			}
			return events.Create(ctx, record)
		})
	})
	if err != nil {
		webhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		zapLog.Error("failed to process payment event", zap.Error(err))
		if permanent(err) {
			return nil, err
		}
		return nil, errutil.Internal("failed to process payment event", err)
	}

	webhookEventsTotal.WithLabelValues(event.Type, string(result.Outcome)).Inc()
	zapLog.Info("payment event processed", zap.String("outcome", string(result.Outcome)), zap.String("license_id", result.LicenseID))
	return result, nil
}

func (r *Reconciler) dispatch(ctx context.Context, licenses *license.Service, event *Event) (*Result, error) {
	result := &Result{EventID: event.ID, EventType: event.Type}

	var (
		lic *license.License
		err error
	)
	switch event.Type {
	case EventCheckoutCompleted:
		return r.handleCheckout(ctx, licenses, event, result)

	case EventInvoicePaid:
		var inv Invoice
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		if inv.Subscription == "" || inv.BillingReason == BillingReasonSubscriptionCreate {
			// the first invoice pays for the period checkout already granted
			result.Outcome = OutcomeIgnored
			return result, nil
		}
		paidAt := r.now()
		lic, err = licenses.Renew(ctx, license.RenewParams{
			Ref:         license.Ref{SubscriptionID: inv.Subscription},
			PaymentDate: &paidAt,
		})
		result.Outcome = OutcomeLicenseRenewed

	case EventSubscriptionDeleted:
		var sub Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		lic, err = licenses.Cancel(ctx, license.Ref{SubscriptionID: sub.ID})
		result.Outcome = OutcomeLicenseCancelled

	case EventInvoiceFailed:
		var inv Invoice
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		if inv.Subscription == "" {
			result.Outcome = OutcomeIgnored
			return result, nil
		}
		lic, err = licenses.Suspend(ctx, license.Ref{SubscriptionID: inv.Subscription})
		result.Outcome = OutcomeLicenseSuspended

	default:
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	if err != nil {
		return nil, err
	}
	if lic == nil {
		result.Outcome = OutcomeSkipped
		return result, nil
	}
	result.LicenseID = lic.ID
	return result, nil
}

func (r *Reconciler) handleCheckout(ctx context.Context, licenses *license.Service, event *Event, result *Result) (*Result, error) {
	var session CheckoutSession
	if err := decodeObject(event, &session); err != nil {
		return nil, err
	}

	fp := session.Metadata["machine_fingerprint"]
	tierName := session.Metadata["license_type"]
	if fp == "" || tierName == "" {
		return nil, ErrMissingMetadata
	}
	tier, ok := feature.ParseTier(tierName)
	if !ok {
		return nil, license.ErrInvalidLicenseType
	}

	existing, err := licenses.Repository().FindByCheckoutSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		result.Outcome = OutcomeDuplicateSession
		result.LicenseID = existing.ID
		return result, nil
	}

	now := r.now()
	billing := license.Billing{
		SubscriptionID:    session.Subscription,
		CustomerID:        session.Customer,
		CheckoutSessionID: session.ID,
		PaymentDate:       &now,
	}

	if strings.EqualFold(session.Metadata["is_renewal"], "true") {
		lic, err := licenses.Renew(ctx, license.RenewParams{
			Ref:         license.Ref{Fingerprint: fp},
			Months:      feature.PeriodMonths(tier),
			PaymentDate: &now,
			Billing:     &billing,
			Revive:      true,
		})
		if err != nil {
			return nil, err
		}
		if lic != nil {
			result.Outcome = OutcomeLicenseRenewed
			result.LicenseID = lic.ID
			return result, nil
		}
	}

	expiresAt := feature.Extend(tier, now)
	billing.NextBillingDate = &expiresAt

	params := license.CreateParams{
		Fingerprint: fp,
		Tier:        tier,
		ExpiresAt:   expiresAt,
		Source:      license.SourcePayment,
		Billing:     billing,
		AmountPaid:  decimal.New(session.AmountTotal, -2),
	}
	if d := session.CustomerDetails; d != nil && d.Email != "" {
		params.Customer = &license.CustomerInfo{Email: d.Email, Name: d.Name}
	}

	lic, err := licenses.Create(ctx, params)
	if errors.Is(err, license.ErrDuplicateActiveLicense) {
		result.Outcome = OutcomeDuplicateActive
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Outcome = OutcomeLicenseCreated
	result.LicenseID = lic.ID
	return result, nil
}

// Prune deletes processed event records older than the retention window.
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	res := r.db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&ProcessedEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// permanent reports errors a redelivery cannot fix.
func permanent(err error) bool {
	var base errutil.BaseError
	if !errors.As(err, &base) {
		return false
	}
	switch base.Code {
	case errutil.StatusBadRequest, errutil.StatusValidationFailed:
		return true
	}
	return false
}
