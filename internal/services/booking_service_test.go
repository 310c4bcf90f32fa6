package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickethub/config"
	"tickethub/internal/ledger"
	"tickethub/internal/status"
	"tickethub/internal/store"
	"tickethub/internal/store/storetest"
	"tickethub/models"
)

func newBookingService(t *testing.T) (*BookingService, *dbx.DB) {
	t.Helper()
	db := storetest.NewDB(t)
	cfg := &config.Config{
		MaxTicketsPerOrder: 10,
		TicketExpiryWindow: 2 * time.Hour,
		PaymentTimeout:     10 * time.Minute,
	}
	svc := NewBookingService(store.New(db), ledger.New(db), cfg)
	storetest.InsertUser(t, db, "buyer-1", "Alice Cooper", "alice@example.com")
	return svc, db
}

func bookOne(t *testing.T, svc *BookingService, eventID, ticketTypeID string, quantity int) *models.Ticket {
	t.Helper()
	ticket, err := svc.Book(context.Background(), BookRequest{
		EventID:      eventID,
		TicketTypeID: ticketTypeID,
		BuyerID:      "buyer-1",
		Quantity:     quantity,
	})
	require.NoError(t, err)
	return ticket
}

func markPaid(t *testing.T, svc *BookingService, ticketID string) *models.Ticket {
	t.Helper()
	ticket, err := svc.PaymentSucceeded(context.Background(), ticketID, "payment-test")
	require.NoError(t, err)
	return ticket
}

func TestBookCreatesPendingTicket(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 100)

	ticket := bookOne(t, svc, ev.ID, tt.ID, 2)

	assert.Equal(t, models.TicketPending, ticket.LifecycleState)
	assert.Equal(t, models.PaymentPending, ticket.PaymentState)
	assert.Equal(t, 2, ticket.Quantity)
	assert.Equal(t, "51", ticket.TotalAmount.String())
	assert.True(t, strings.HasPrefix(ticket.TicketNumber, "TKT-"))
	assert.NotEmpty(t, ticket.CredentialSecret)

	// attendee defaults from the buyer profile
	assert.Equal(t, "Alice Cooper", ticket.AttendeeName)
	assert.Equal(t, "alice@example.com", ticket.AttendeeEmail)

	// the units are held and the record is durable
	assert.Equal(t, 2, storetest.Reserved(t, db, tt.ID))
	stored, err := svc.Ticket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketNumber, stored.TicketNumber)
}

func TestBookSuppliedAttendeeWins(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)

	ticket, err := svc.Book(context.Background(), BookRequest{
		EventID:      ev.ID,
		TicketTypeID: tt.ID,
		BuyerID:      "buyer-1",
		Quantity:     1,
		Attendee:     models.AttendeeInfo{Name: "Bob Guest", Email: "bob@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bob Guest", ticket.AttendeeName)
	assert.Equal(t, "bob@example.com", ticket.AttendeeEmail)
}

func TestBookRejectsBadAttendeeEmail(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)

	_, err := svc.Book(context.Background(), BookRequest{
		EventID:      ev.ID,
		TicketTypeID: tt.ID,
		BuyerID:      "buyer-1",
		Quantity:     1,
		Attendee:     models.AttendeeInfo{Name: "Bob Guest", Email: "not-an-email"},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestBookQuantityBounds(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 100)

	for _, quantity := range []int{0, -1, 11} {
		_, err := svc.Book(context.Background(), BookRequest{
			EventID:      ev.ID,
			TicketTypeID: tt.ID,
			BuyerID:      "buyer-1",
			Quantity:     quantity,
		})
		assert.ErrorIs(t, err, status.ErrInvalidQuantity, "quantity %d", quantity)
	}
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestBookUnknownEvent(t *testing.T) {
	svc, _ := newBookingService(t)

	_, err := svc.Book(context.Background(), BookRequest{
		EventID:      "no-such-event",
		TicketTypeID: "no-such-type",
		BuyerID:      "buyer-1",
		Quantity:     1,
	})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestBookUnpublishedEvent(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	_, err := db.NewQuery(`UPDATE events SET status = 'draft' WHERE id = {:id}`).
		Bind(dbx.Params{"id": ev.ID}).Execute()
	require.NoError(t, err)

	_, berr := svc.Book(context.Background(), BookRequest{
		EventID:      ev.ID,
		TicketTypeID: tt.ID,
		BuyerID:      "buyer-1",
		Quantity:     1,
	})
	assert.ErrorIs(t, berr, status.ErrNotBookable)
}

func TestBookTicketTypeFromAnotherEvent(t *testing.T) {
	svc, db := newBookingService(t)
	ev, _ := storetest.SeedEvent(t, db, 10)
	_, otherType := storetest.SeedEvent(t, db, 10)

	_, err := svc.Book(context.Background(), BookRequest{
		EventID:      ev.ID,
		TicketTypeID: otherType.ID,
		BuyerID:      "buyer-1",
		Quantity:     1,
	})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestBookSoldOutReportsAvailability(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 5)

	bookOne(t, svc, ev.ID, tt.ID, 3)

	_, err := svc.Book(context.Background(), BookRequest{
		EventID:      ev.ID,
		TicketTypeID: tt.ID,
		BuyerID:      "buyer-1",
		Quantity:     3,
	})
	require.True(t, status.IsSoldOut(err))

	var soldOut *status.SoldOutError
	require.ErrorAs(t, err, &soldOut)
	assert.Equal(t, 3, soldOut.Requested)
	assert.Equal(t, 2, soldOut.Available)

	// the failed attempt must not move the counter
	assert.Equal(t, 3, storetest.Reserved(t, db, tt.ID))
}

func TestBookConcurrentLastUnit(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 1)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Book(context.Background(), BookRequest{
				EventID:      ev.ID,
				TicketTypeID: tt.ID,
				BuyerID:      "buyer-1",
				Quantity:     1,
			})
		}(i)
	}
	wg.Wait()

	booked := 0
	for _, err := range errs {
		if err == nil {
			booked++
			continue
		}
		assert.True(t, status.IsSoldOut(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, booked)
	assert.Equal(t, 1, storetest.Reserved(t, db, tt.ID))
}

func TestConfirmWithoutPayment(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 1)

	_, err := svc.Confirm(context.Background(), ticket.ID)
	assert.ErrorIs(t, err, status.ErrNotPaid)

	stored, err := svc.Ticket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, stored.LifecycleState)
}

func TestPaymentSucceededConfirms(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 2)

	confirmed := markPaid(t, svc, ticket.ID)
	assert.Equal(t, models.TicketConfirmed, confirmed.LifecycleState)
	assert.Equal(t, models.PaymentPaid, confirmed.PaymentState)
	assert.Equal(t, "payment-test", confirmed.PaymentID)

	// a duplicate settlement report is tolerated
	again, err := svc.PaymentSucceeded(context.Background(), ticket.ID, "payment-test")
	require.NoError(t, err)
	assert.Equal(t, models.TicketConfirmed, again.LifecycleState)

	// confirmation never touches the counter
	assert.Equal(t, 2, storetest.Reserved(t, db, tt.ID))
}

func TestPaymentFailedReleasesUnits(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 3)

	require.NoError(t, svc.PaymentFailed(context.Background(), ticket.ID))

	stored, err := svc.Ticket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, stored.LifecycleState)
	assert.Equal(t, models.PaymentFailed, stored.PaymentState)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestPaymentFailedAfterSuccessKeepsTicket(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 2)
	markPaid(t, svc, ticket.ID)

	// a contradictory failure report arriving after the success must
	// not cancel the paid ticket or free its units
	require.NoError(t, svc.PaymentFailed(context.Background(), ticket.ID))

	stored, err := svc.Ticket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketConfirmed, stored.LifecycleState)
	assert.Equal(t, models.PaymentPaid, stored.PaymentState)
	assert.Equal(t, 2, storetest.Reserved(t, db, tt.ID))
}

func TestCancelReleasesExactlyOnce(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 2)

	cancelled, err := svc.Cancel(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, cancelled.LifecycleState)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))

	// a second cancellation must not release again
	_, err = svc.Cancel(context.Background(), ticket.ID)
	assert.ErrorIs(t, err, status.ErrCancelled)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestCancelConcurrent(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 4)

	const attempts = 5
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Cancel(context.Background(), ticket.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, status.ErrCancelled)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestCancelAfterEventStarted(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 1)

	_, err := db.NewQuery(`UPDATE events SET starts_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{
			"v":  storetest.DateTime(t, time.Now().UTC().Add(-time.Minute)),
			"id": ev.ID,
		}).Execute()
	require.NoError(t, err)

	_, cerr := svc.Cancel(context.Background(), ticket.ID)
	assert.ErrorIs(t, cerr, status.ErrEventStarted)
	assert.Equal(t, 1, storetest.Reserved(t, db, tt.ID))
}

func TestCancelRedeemedTicket(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 1)
	markPaid(t, svc, ticket.ID)

	_, err := db.NewQuery(`UPDATE tickets SET lifecycle_state = 'used', redeemed_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{
			"v":  storetest.DateTime(t, time.Now().UTC()),
			"id": ticket.ID,
		}).Execute()
	require.NoError(t, err)

	_, cerr := svc.Cancel(context.Background(), ticket.ID)
	var transition *status.TransitionError
	require.ErrorAs(t, cerr, &transition)
	assert.Equal(t, models.TicketUsed, transition.From)
}

func TestListAvailability(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 50)
	bookOne(t, svc, ev.ID, tt.ID, 8)

	availability, err := svc.ListAvailability(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, availability, 1)
	assert.Equal(t, tt.ID, availability[0].TicketTypeID)
	assert.Equal(t, 50, availability[0].Capacity)
	assert.Equal(t, 42, availability[0].Available)

	_, err = svc.ListAvailability(context.Background(), "no-such-event")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestSweepPendingReclaimsStaleTickets(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)

	stale := bookOne(t, svc, ev.ID, tt.ID, 2)
	fresh := bookOne(t, svc, ev.ID, tt.ID, 1)
	paid := bookOne(t, svc, ev.ID, tt.ID, 1)
	markPaid(t, svc, paid.ID)

	// push the stale ticket past the payment window
	_, err := db.NewQuery(`UPDATE tickets SET issued_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{
			"v":  storetest.DateTime(t, time.Now().UTC().Add(-time.Hour)),
			"id": stale.ID,
		}).Execute()
	require.NoError(t, err)

	released, err := svc.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	swept, err := svc.Ticket(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCancelled, swept.LifecycleState)

	kept, err := svc.Ticket(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, kept.LifecycleState)

	assert.Equal(t, 2, storetest.Reserved(t, db, tt.ID))
}

func TestSweepExpiredReclaimsConfirmedTickets(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	ticket := bookOne(t, svc, ev.ID, tt.ID, 2)
	markPaid(t, svc, ticket.ID)

	_, err := db.NewQuery(`UPDATE tickets SET expires_at = {:v} WHERE id = {:id}`).
		Bind(dbx.Params{
			"v":  storetest.DateTime(t, time.Now().UTC().Add(-time.Minute)),
			"id": ticket.ID,
		}).Execute()
	require.NoError(t, err)

	expired, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := svc.Ticket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketExpired, stored.LifecycleState)
	assert.Equal(t, 0, storetest.Reserved(t, db, tt.ID))
}

func TestMyTickets(t *testing.T) {
	svc, db := newBookingService(t)
	ev, tt := storetest.SeedEvent(t, db, 10)
	bookOne(t, svc, ev.ID, tt.ID, 1)
	bookOne(t, svc, ev.ID, tt.ID, 1)

	tickets, err := svc.MyTickets(context.Background(), "buyer-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)

	none, err := svc.MyTickets(context.Background(), "someone-else", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
