package models

import (
	"time"

	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"tickethub/internal/status"
)

// Lifecycle states of a ticket. Terminal states are cancelled, used and
// expired; the only path to used is through confirmed.
const (
	TicketPending   = "pending"
	TicketConfirmed = "confirmed"
	TicketCancelled = "cancelled"
	TicketUsed      = "used"
	TicketExpired   = "expired"
)

// Payment states reported by the payment collaborator.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentRefunded = "refunded"
)

type AttendeeInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Ticket struct {
	ID               string          `db:"id" json:"id"`
	TicketNumber     string          `db:"ticket_number" json:"ticket_number"`
	EventID          string          `db:"event" json:"event_id"`
	TicketTypeID     string          `db:"ticket_type" json:"ticket_type_id"`
	BuyerID          string          `db:"buyer" json:"buyer_id"`
	Quantity         int             `db:"quantity" json:"quantity"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	LifecycleState   string          `db:"lifecycle_state" json:"lifecycle_state"`
	PaymentState     string          `db:"payment_state" json:"payment_state"`
	PaymentID        string          `db:"payment_id" json:"payment_id,omitempty"`
	CredentialSecret string          `db:"credential_secret" json:"-"`
	AttendeeName     string          `db:"attendee_name" json:"attendee_name"`
	AttendeeEmail    string          `db:"attendee_email" json:"attendee_email"`
	AttendeePhone    string          `db:"attendee_phone" json:"attendee_phone,omitempty"`
	Notes            string          `db:"notes" json:"notes,omitempty"`
	IssuedAt         types.DateTime  `db:"issued_at" json:"issued_at"`
	RedeemedAt       types.DateTime  `db:"redeemed_at" json:"redeemed_at,omitempty"`
	ExpiresAt        types.DateTime  `db:"expires_at" json:"expires_at"`
}

func (t *Ticket) Attendee() AttendeeInfo {
	return AttendeeInfo{Name: t.AttendeeName, Email: t.AttendeeEmail, Phone: t.AttendeePhone}
}

func (t *Ticket) IsRedeemed() bool {
	return !t.RedeemedAt.IsZero()
}

func (t *Ticket) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Time())
}

// IsValid reports whether the ticket grants admission right now.
func (t *Ticket) IsValid(now time.Time) bool {
	return t.LifecycleState == TicketConfirmed && !t.IsRedeemed() && !t.IsExpired(now)
}

// AdmissionDenial returns the specific reason the ticket cannot be
// admitted, or nil when it is valid for entry.
func (t *Ticket) AdmissionDenial(now time.Time) error {
	switch t.LifecycleState {
	case TicketPending:
		return status.ErrNotPaid
	case TicketCancelled:
		return status.ErrCancelled
	case TicketUsed:
		return status.ErrAlreadyUsed
	case TicketExpired:
		return status.ErrExpired
	}
	if t.IsRedeemed() {
		return status.ErrAlreadyUsed
	}
	if t.IsExpired(now) {
		return status.ErrExpired
	}
	return nil
}

// CancelDenial returns the reason a cancellation request must be
// rejected, or nil when the ticket may still be cancelled.
func (t *Ticket) CancelDenial() error {
	switch t.LifecycleState {
	case TicketPending, TicketConfirmed:
		return nil
	case TicketCancelled:
		return status.ErrCancelled
	default:
		return &status.TransitionError{From: t.LifecycleState, To: TicketCancelled}
	}
}
