package payment

import (
	"encoding/json"
	"time"

	"licensing-controlplane/pkg/errutil"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

type Outcome string

const (
	OutcomeLicenseCreated   Outcome = "license_created"
	OutcomeLicenseRenewed   Outcome = "license_renewed"
	OutcomeLicenseCancelled Outcome = "license_cancelled"
	OutcomeLicenseSuspended Outcome = "license_suspended"
	OutcomeDuplicateActive  Outcome = "duplicate_active_license"
	OutcomeDuplicateSession Outcome = "duplicate_checkout_session"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeQueued           Outcome = "queued"
)

var (
	ErrMissingMetadata = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "payment session is missing machine_fingerprint or license_type"}
	ErrMalformedEvent  = errutil.BaseError{Code: errutil.StatusBadRequest, Message: "malformed payment event"}
)

// ProcessedEvent records a delivered event once its handling committed.
type ProcessedEvent struct {
	EventID    string    `gorm:"column:event_id;primaryKey" json:"event_id"`
	EventType  string    `gorm:"column:event_type;index" json:"event_type"`
	Outcome    Outcome   `gorm:"column:outcome" json:"outcome"`
	LicenseID  *string   `gorm:"column:license_id" json:"license_id,omitempty"`
	ReceivedAt time.Time `gorm:"column:received_at;index" json:"received_at"`
}

func (ProcessedEvent) TableName() string {
	return "payment_events"
}

// Event is the processor envelope. Object is decoded per type.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type CheckoutSession struct {
	ID              string            `json:"id"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Subscription    string            `json:"subscription"`
	Customer        string            `json:"customer"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
const BillingReasonSubscriptionCreate = "subscription_create"

type Invoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
	AmountPaid    int64  `json:"amount_paid"`
	BillingReason string `json:"billing_reason"`
}

type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

type Result struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
	LicenseID string  `json:"license_id,omitempty"`
}

func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, errutil.BadRequest(ErrMalformedEvent.Message, err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, ErrMalformedEvent
	}
	return &e, nil
}

func decodeObject(e *Event, out any) error {
	if len(e.Data.Object) == 0 {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(e.Data.Object, out); err != nil {
		return errutil.BadRequest(ErrMalformedEvent.Message, err)
	}
	return nil
}
