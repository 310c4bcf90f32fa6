// Package ledger maintains the per ticket-type capacity counters. Every
// mutation is a single conditional UPDATE at the storage boundary, so
// concurrent requests from any number of service instances serialize in
// the database and the reserved counter can never exceed capacity.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"

	"tickethub/internal/status"
	"tickethub/internal/store"
	"tickethub/models"
)

type Ledger struct {
	db dbx.Builder
}

func New(db dbx.Builder) *Ledger {
	return &Ledger{db: db}
}

// Reservation is the handle for a granted allocation. Releasing the
// same handle twice is a caller bug and is reported as a conflict
// rather than silently clamped.
type Reservation struct {
	TicketTypeID string
	Quantity     int
}

// Reserve grants quantity units of the ticket type, or fails with a
// SoldOutError carrying the remaining availability. The check and the
// increment are one statement; there is no window in which another
// request can observe the counter between them.
func (l *Ledger) Reserve(ctx context.Context, ticketTypeID string, quantity int) (*Reservation, error) {
	if quantity < 1 {
		return nil, status.ErrInvalidQuantity
	}

	const q = `UPDATE ticket_types
		SET reserved = reserved + {:qty}
		WHERE id = {:id} AND reserved + {:qty} <= capacity`

	applied, err := l.execConditional(ctx, q, dbx.Params{"qty": quantity, "id": ticketTypeID})
	if err != nil {
		return nil, fmt.Errorf("reserve %d of %s: %w", quantity, ticketTypeID, err)
	}
	if !applied {
		tt, err := l.ticketType(ctx, ticketTypeID)
		if err != nil {
			return nil, err
		}
		return nil, &status.SoldOutError{
			TicketTypeID: ticketTypeID,
			Requested:    quantity,
			Available:    tt.Available(),
		}
	}

	return &Reservation{TicketTypeID: ticketTypeID, Quantity: quantity}, nil
}

// Release returns the reservation's units to the pool. Releasing more
// than is currently reserved indicates a double release and fails with
// ErrConflict; the counter is never driven below zero.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	const q = `UPDATE ticket_types
		SET reserved = reserved - {:qty}
		WHERE id = {:id} AND reserved >= {:qty}`

	applied, err := l.execConditional(ctx, q, dbx.Params{"qty": r.Quantity, "id": r.TicketTypeID})
	if err != nil {
		return fmt.Errorf("release %d of %s: %w", r.Quantity, r.TicketTypeID, err)
	}
	if !applied {
		if _, err := l.ticketType(ctx, r.TicketTypeID); err != nil {
			return err
		}
		return fmt.Errorf("release %d of %s: %w", r.Quantity, r.TicketTypeID, status.ErrConflict)
	}
	return nil
}

func (l *Ledger) ticketType(ctx context.Context, id string) (*models.TicketType, error) {
	var tt models.TicketType
	err := l.db.NewQuery(`SELECT id, event, name, unit_price, capacity, reserved, description
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

// execConditional runs a guarded UPDATE through the shared bounded
// retry, so driver-level busy errors on the counter are handled the
// same way as on ticket transitions.
func (l *Ledger) execConditional(ctx context.Context, query string, params dbx.Params) (bool, error) {
	return store.ExecConditional(ctx, l.db, query, params)
}
