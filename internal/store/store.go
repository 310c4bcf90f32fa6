// Package store is the durable storage boundary for events, ticket
// types and tickets. Lifecycle transitions are expressed as single
// conditional UPDATE statements keyed on the source state, so a
// transition can be applied at most once no matter how many service
// instances race on the same record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"tickethub/internal/status"
	"tickethub/models"
)

// maxAttempts bounds retries of a conditional update that failed for
// infrastructure reasons (driver busy), not for business reasons.
const maxAttempts = 3

const ticketColumns = `id, ticket_number, event, ticket_type, buyer, quantity,
	unit_price, total_amount, lifecycle_state, payment_state, payment_id,
	credential_secret, attendee_name, attendee_email, attendee_phone, notes,
	issued_at, redeemed_at, expires_at`

type Store struct {
	db dbx.Builder
}

func New(db dbx.Builder) *Store {
	return &Store{db: db}
}

func (s *Store) EventByID(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	err := s.db.NewQuery(`SELECT id, title, description, venue, starts_at, ends_at, status, organizer
		FROM events WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).
		WithContext(ctx).
		One(&ev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	return &ev, nil
}

func (s *Store) TicketTypeByID(ctx context.Context, id string) (*models.TicketType, error) {
	var tt models.TicketType
	err := s.db.NewQuery(`SELECT id, event, name, unit_price, capacity, reserved, description
		FROM ticket_types WHERE id = {:id}`).
		Bind(dbx.Params{"id": id}).
		WithContext(ctx).
		One(&tt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket type %s: %w", id, err)
	}
	return &tt, nil
}

func (s *Store) TicketTypesByEvent(ctx context.Context, eventID string) ([]models.TicketType, error) {
	var tts []models.TicketType
	err := s.db.NewQuery(`SELECT id, event, name, unit_price, capacity, reserved, description
		FROM ticket_types WHERE event = {:event} ORDER BY name`).
		Bind(dbx.Params{"event": eventID}).
		WithContext(ctx).
		All(&tts)
	if err != nil {
		return nil, fmt.Errorf("load ticket types for event %s: %w", eventID, err)
	}
	return tts, nil
}

// BuyerContact returns the profile name and email used to default the
// attendee info when the booking request does not supply one.
func (s *Store) BuyerContact(ctx context.Context, buyerID string) (name, email string, err error) {
	var row struct {
		Name  string `db:"name"`
		Email string `db:"email"`
	}
	err = s.db.NewQuery(`SELECT name, email FROM users WHERE id = {:id}`).
		Bind(dbx.Params{"id": buyerID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", status.ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load buyer %s: %w", buyerID, err)
	}
	return row.Name, row.Email, nil
}

func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	_, err := s.db.Insert("tickets", dbx.Params{
		"id":                t.ID,
		"ticket_number":     t.TicketNumber,
		"event":             t.EventID,
		"ticket_type":       t.TicketTypeID,
		"buyer":             t.BuyerID,
		"quantity":          t.Quantity,
		"unit_price":        t.UnitPrice,
		"total_amount":      t.TotalAmount,
		"lifecycle_state":   t.LifecycleState,
		"payment_state":     t.PaymentState,
		"payment_id":        t.PaymentID,
		"credential_secret": t.CredentialSecret,
		"attendee_name":     t.AttendeeName,
		"attendee_email":    t.AttendeeEmail,
		"attendee_phone":    t.AttendeePhone,
		"notes":             t.Notes,
		"issued_at":         t.IssuedAt,
		"redeemed_at":       t.RedeemedAt,
		"expires_at":        t.ExpiresAt,
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("create ticket %s: %w", t.TicketNumber, err)
	}
	return nil
}

func (s *Store) TicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	return s.oneTicket(ctx, `id = {:a}`, id)
}

// TicketByCredential looks a ticket up by the pair carried in a scanned
// payload. Both values must match the same record; a real ticket number
// combined with a wrong secret finds nothing.
func (s *Store) TicketByCredential(ctx context.Context, ticketNumber, secret string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.NewQuery(`SELECT `+ticketColumns+` FROM tickets
		WHERE ticket_number = {:number} AND credential_secret = {:secret}`).
		Bind(dbx.Params{"number": ticketNumber, "secret": secret}).
		WithContext(ctx).
		One(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketNumber, err)
	}
	return &t, nil
}

func (s *Store) oneTicket(ctx context.Context, cond string, arg any) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.NewQuery(`SELECT `+ticketColumns+` FROM tickets WHERE `+cond).
		Bind(dbx.Params{"a": arg}).
		WithContext(ctx).
		One(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	return &t, nil
}

// MarkPaid records the payment collaborator's success report. Applies
// only while the payment is still pending.
func (s *Store) MarkPaid(ctx context.Context, ticketID, paymentID string) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET payment_state = {:paid}, payment_id = {:payment}
		WHERE id = {:id} AND payment_state = {:pending}`,
		dbx.Params{
			"paid":    models.PaymentPaid,
			"payment": paymentID,
			"id":      ticketID,
			"pending": models.PaymentPending,
		})
}

func (s *Store) MarkPaymentFailed(ctx context.Context, ticketID string) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET payment_state = {:failed}
		WHERE id = {:id} AND payment_state = {:pending}`,
		dbx.Params{
			"failed":  models.PaymentFailed,
			"id":      ticketID,
			"pending": models.PaymentPending,
		})
}

// Confirm moves pending to confirmed, guarded on the payment already
// being recorded as paid.
func (s *Store) Confirm(ctx context.Context, ticketID string) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET lifecycle_state = {:confirmed}
		WHERE id = {:id} AND lifecycle_state = {:pending} AND payment_state = {:paid}`,
		dbx.Params{
			"confirmed": models.TicketConfirmed,
			"id":        ticketID,
			"pending":   models.TicketPending,
			"paid":      models.PaymentPaid,
		})
}

// Cancel moves pending or confirmed to cancelled. The guard makes the
// flip happen at most once, which is what keeps the matching ledger
// release from ever running twice.
func (s *Store) Cancel(ctx context.Context, ticketID string) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET lifecycle_state = {:cancelled}
		WHERE id = {:id} AND lifecycle_state IN ({:pending}, {:confirmed})`,
		dbx.Params{
			"cancelled": models.TicketCancelled,
			"id":        ticketID,
			"pending":   models.TicketPending,
			"confirmed": models.TicketConfirmed,
		})
}

// Redeem performs the confirmed-to-used transition for the credential
// pair. Two scanners racing on the same credential hit the same guard;
// exactly one update applies. The validity window is part of the guard,
// so a redemption straddling the expiry instant never applies.
func (s *Store) Redeem(ctx context.Context, ticketNumber, secret string, at types.DateTime) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET lifecycle_state = {:used}, redeemed_at = {:at}
		WHERE ticket_number = {:number} AND credential_secret = {:secret}
			AND lifecycle_state = {:confirmed} AND redeemed_at = ''
			AND expires_at > {:at}`,
		dbx.Params{
			"used":      models.TicketUsed,
			"at":        at,
			"number":    ticketNumber,
			"secret":    secret,
			"confirmed": models.TicketConfirmed,
		})
}

// Expire moves confirmed to expired once the validity window has
// passed. Used by the background sweep so the held reservation can be
// returned to the pool.
func (s *Store) Expire(ctx context.Context, ticketID string) (bool, error) {
	return s.execConditional(ctx, `UPDATE tickets
		SET lifecycle_state = {:expired}
		WHERE id = {:id} AND lifecycle_state = {:confirmed} AND redeemed_at = ''`,
		dbx.Params{
			"expired":   models.TicketExpired,
			"id":        ticketID,
			"confirmed": models.TicketConfirmed,
		})
}

// PendingBefore lists pending tickets issued at or before the cutoff
// whose payment never completed. These are the reservations the sweep
// releases.
func (s *Store) PendingBefore(ctx context.Context, cutoff types.DateTime) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.NewQuery(`SELECT `+ticketColumns+` FROM tickets
		WHERE lifecycle_state = {:pending} AND payment_state != {:paid} AND issued_at <= {:cutoff}`).
		Bind(dbx.Params{
			"pending": models.TicketPending,
			"paid":    models.PaymentPaid,
			"cutoff":  cutoff,
		}).
		WithContext(ctx).
		All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("list stale pending tickets: %w", err)
	}
	return tickets, nil
}

// ConfirmedExpiredBefore lists confirmed, unredeemed tickets whose
// validity window closed at or before now.
func (s *Store) ConfirmedExpiredBefore(ctx context.Context, now types.DateTime) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.NewQuery(`SELECT `+ticketColumns+` FROM tickets
		WHERE lifecycle_state = {:confirmed} AND redeemed_at = '' AND expires_at <= {:now}`).
		Bind(dbx.Params{
			"confirmed": models.TicketConfirmed,
			"now":       now,
		}).
		WithContext(ctx).
		All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("list expired confirmed tickets: %w", err)
	}
	return tickets, nil
}

func (s *Store) TicketsByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.NewQuery(`SELECT `+ticketColumns+` FROM tickets
		WHERE buyer = {:buyer} ORDER BY issued_at DESC LIMIT {:limit} OFFSET {:offset}`).
		Bind(dbx.Params{"buyer": buyerID, "limit": limit, "offset": offset}).
		WithContext(ctx).
		All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("list tickets for buyer %s: %w", buyerID, err)
	}
	return tickets, nil
}

// TicketsByEvent lists an event's tickets for the organizer view.
// Empty filter values match everything.
func (s *Store) TicketsByEvent(ctx context.Context, eventID, lifecycleState, paymentState string, limit, offset int) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE event = {:event}`
	params := dbx.Params{"event": eventID, "limit": limit, "offset": offset}
	if lifecycleState != "" {
		query += ` AND lifecycle_state = {:state}`
		params["state"] = lifecycleState
	}
	if paymentState != "" {
		query += ` AND payment_state = {:payment}`
		params["payment"] = paymentState
	}
	query += ` ORDER BY issued_at DESC LIMIT {:limit} OFFSET {:offset}`

	var tickets []models.Ticket
	err := s.db.NewQuery(query).Bind(params).WithContext(ctx).All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("list tickets for event %s: %w", eventID, err)
	}
	return tickets, nil
}

func (s *Store) execConditional(ctx context.Context, query string, params dbx.Params) (bool, error) {
	return ExecConditional(ctx, s.db, query, params)
}

// ExecConditional runs a guarded UPDATE and reports whether it took
// effect. Driver-level busy errors are retried a bounded number of
// times; a guard miss (zero rows) is returned to the caller to classify.
func ExecConditional(ctx context.Context, db dbx.Builder, query string, params dbx.Params) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := db.NewQuery(query).Bind(params).WithContext(ctx).Execute()
		if err == nil {
			n, err := res.RowsAffected()
			if err != nil {
				return false, err
			}
			return n > 0, nil
		}
		if !retryable(err) {
			return false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return false, fmt.Errorf("%w: %v", status.ErrConflict, lastErr)
}

func retryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
