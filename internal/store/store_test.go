package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickethub/internal/status"
	"tickethub/internal/store/storetest"
	"tickethub/models"
)

func seedTicket(t *testing.T, s *Store, eventID, ticketTypeID string) *models.Ticket {
	t.Helper()
	now := time.Now().UTC()
	ticket := &models.Ticket{
		ID:               uuid.NewString(),
		TicketNumber:     "TKT-1756555200-" + uuid.NewString()[:8],
		EventID:          eventID,
		TicketTypeID:     ticketTypeID,
		BuyerID:          "buyer-1",
		Quantity:         1,
		UnitPrice:        decimal.NewFromFloat(25.50),
		TotalAmount:      decimal.NewFromFloat(25.50),
		LifecycleState:   models.TicketPending,
		PaymentState:     models.PaymentPending,
		CredentialSecret: uuid.NewString(),
		IssuedAt:         storetest.DateTime(t, now),
		ExpiresAt:        storetest.DateTime(t, now.Add(5*time.Hour)),
	}
	require.NoError(t, s.CreateTicket(context.Background(), ticket))
	return ticket
}

func TestTicketByCredentialRequiresBothParts(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)

	got, err := s.TicketByCredential(context.Background(), ticket.TicketNumber, ticket.CredentialSecret)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)

	_, err = s.TicketByCredential(context.Background(), ticket.TicketNumber, "wrong-secret")
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = s.TicketByCredential(context.Background(), "TKT-0-WRONG", ticket.CredentialSecret)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestConfirmRequiresPaid(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()

	applied, err := s.Confirm(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, applied, "an unpaid ticket must not confirm")

	applied, err = s.MarkPaid(ctx, ticket.ID, "pay-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// paying twice is a guard miss, not an error
	applied, err = s.MarkPaid(ctx, ticket.ID, "pay-2")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.Confirm(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	stored, err := s.TicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketConfirmed, stored.LifecycleState)
	assert.Equal(t, "pay-1", stored.PaymentID)
}

func TestRedeemGuards(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()
	at := storetest.DateTime(t, time.Now().UTC())

	// pending tickets never redeem
	applied, err := s.Redeem(ctx, ticket.TicketNumber, ticket.CredentialSecret, at)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = s.MarkPaid(ctx, ticket.ID, "pay-1")
	require.NoError(t, err)
	_, err = s.Confirm(ctx, ticket.ID)
	require.NoError(t, err)

	// a wrong secret never redeems
	applied, err = s.Redeem(ctx, ticket.TicketNumber, "wrong-secret", at)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.Redeem(ctx, ticket.TicketNumber, ticket.CredentialSecret, at)
	require.NoError(t, err)
	assert.True(t, applied)

	// the second attempt hits the redeemed_at guard
	applied, err = s.Redeem(ctx, ticket.TicketNumber, ticket.CredentialSecret, at)
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := s.TicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, stored.LifecycleState)
	assert.True(t, stored.IsRedeemed())
}

func TestRedeemRefusesExpiredCredential(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()

	_, err := s.MarkPaid(ctx, ticket.ID, "pay-1")
	require.NoError(t, err)
	_, err = s.Confirm(ctx, ticket.ID)
	require.NoError(t, err)

	backdated := storetest.DateTime(t, time.Now().UTC().Add(-time.Minute))
	_, err = db.NewQuery(`UPDATE tickets SET expires_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{"v": backdated, "id": ticket.ID}).Execute()
	require.NoError(t, err)

	at := storetest.DateTime(t, time.Now().UTC())
	applied, err := s.Redeem(ctx, ticket.TicketNumber, ticket.CredentialSecret, at)
	require.NoError(t, err)
	assert.False(t, applied, "an expired credential must not pass the gate")

	stored, err := s.TicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketConfirmed, stored.LifecycleState)
	assert.False(t, stored.IsRedeemed())
}

func TestCancelGuards(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()

	applied, err := s.Cancel(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	// cancelling a cancelled ticket is a guard miss
	applied, err = s.Cancel(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestExpireOnlyConfirmedUnredeemed(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()

	applied, err := s.Expire(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, applied, "pending tickets are swept, not expired")

	_, err = s.MarkPaid(ctx, ticket.ID, "pay-1")
	require.NoError(t, err)
	_, err = s.Confirm(ctx, ticket.ID)
	require.NoError(t, err)

	applied, err = s.Expire(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPendingBefore(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	ev, tt := storetest.SeedEvent(t, db, 10)
	stale := seedTicket(t, s, ev.ID, tt.ID)
	seedTicket(t, s, ev.ID, tt.ID)
	ctx := context.Background()

	backdated := storetest.DateTime(t, time.Now().UTC().Add(-time.Hour))
	_, err := db.NewQuery(`UPDATE tickets SET issued_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{"v": backdated, "id": stale.ID}).Execute()
	require.NoError(t, err)

	cutoff := storetest.DateTime(t, time.Now().UTC().Add(-10*time.Minute))
	found, err := s.PendingBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)
}

func TestRetryableErrors(t *testing.T) {
	assert.True(t, retryable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, retryable(errors.New("database table is locked: tickets")))

	// guard misses and constraint violations must surface immediately
	assert.False(t, retryable(errors.New("UNIQUE constraint failed: tickets.ticket_number")))
	assert.False(t, retryable(context.Canceled))
}

func TestBuyerContact(t *testing.T) {
	db := storetest.NewDB(t)
	s := New(db)
	storetest.InsertUser(t, db, "buyer-1", "Alice Cooper", "alice@example.com")

	name, email, err := s.BuyerContact(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Cooper", name)
	assert.Equal(t, "alice@example.com", email)

	_, _, err = s.BuyerContact(context.Background(), "nobody")
	assert.ErrorIs(t, err, status.ErrNotFound)
}
