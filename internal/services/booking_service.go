package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"tickethub/config"
	"tickethub/internal/ledger"
	"tickethub/internal/status"
	"tickethub/internal/store"
	"tickethub/models"
	"tickethub/monitoring"
	"tickethub/utils"
)

var phonePattern = regexp.MustCompile(`^\+?\d{7,15}$`)

// BookingService is the single entry point for purchasing tickets. It
// coordinates the inventory ledger and the ticket record as one logical
// transaction: a ticket exists if and only if its units are held in the
// ledger.
type BookingService struct {
	store  *store.Store
	ledger *ledger.Ledger
	cfg    *config.Config
}

func NewBookingService(st *store.Store, lg *ledger.Ledger, cfg *config.Config) *BookingService {
	return &BookingService{store: st, ledger: lg, cfg: cfg}
}

type BookRequest struct {
	EventID      string
	TicketTypeID string
	BuyerID      string
	Quantity     int
	Attendee     models.AttendeeInfo
	Notes        string
}

func (r BookRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EventID, validation.Required),
		validation.Field(&r.TicketTypeID, validation.Required),
		validation.Field(&r.BuyerID, validation.Required),
		validation.Field(&r.Attendee),
		validation.Field(&r.Notes, validation.Length(0, 500)),
	)
}

// AttendeeValidation validates a supplied attendee block; empty fields
// are filled from the buyer profile before the ticket is created.
func AttendeeValidation(a models.AttendeeInfo) error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Length(2, 50)),
		validation.Field(&a.Email, is.Email),
		validation.Field(&a.Phone, validation.Match(phonePattern)),
	)
}

// Book reserves quantity units of the ticket type and creates the
// pending ticket record. The ledger reservation is acquired first;
// if the record cannot be created afterwards the reservation is
// released immediately so no unit is held without a ticket.
func (s *BookingService) Book(ctx context.Context, req BookRequest) (*models.Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := AttendeeValidation(req.Attendee); err != nil {
		return nil, err
	}
	if req.Quantity < 1 || req.Quantity > s.cfg.MaxTicketsPerOrder {
		return nil, status.ErrInvalidQuantity
	}

	event, err := s.store.EventByID(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !event.IsBookable() {
		return nil, status.ErrNotBookable
	}

	tt, err := s.store.TicketTypeByID(ctx, req.TicketTypeID)
	if err != nil {
		return nil, err
	}
	if tt.EventID != event.ID {
		return nil, status.ErrNotFound
	}

	attendee := req.Attendee
	if attendee.Name == "" || attendee.Email == "" {
		name, email, err := s.store.BuyerContact(ctx, req.BuyerID)
		if err != nil {
			return nil, err
		}
		if attendee.Name == "" {
			attendee.Name = name
		}
		if attendee.Email == "" {
			attendee.Email = email
		}
	}

	reservation, err := s.ledger.Reserve(ctx, tt.ID, req.Quantity)
	if err != nil {
		if status.IsSoldOut(err) {
			monitoring.TrackBooking(event.ID, "sold_out")
		}
		return nil, err
	}

	ticket, err := s.newTicket(event, tt, req, attendee)
	if err == nil {
		err = s.store.CreateTicket(ctx, ticket)
	}
	if err != nil {
		// Compensating release: the reservation must not outlive a
		// failed ticket creation.
		if relErr := s.ledger.Release(ctx, reservation); relErr != nil {
			slog.Error("compensating release failed, inventory leaked",
				"ticketType", tt.ID,
				"quantity", req.Quantity,
				"error", relErr,
			)
		}
		monitoring.TrackBooking(event.ID, "error")
		return nil, fmt.Errorf("book %d of %s: %w", req.Quantity, tt.ID, err)
	}

	monitoring.TrackBooking(event.ID, "created")
	slog.Info("ticket booked",
		"ticket", ticket.TicketNumber,
		"event", event.ID,
		"ticketType", tt.ID,
		"quantity", req.Quantity,
	)
	return ticket, nil
}

func (s *BookingService) newTicket(event *models.Event, tt *models.TicketType, req BookRequest, attendee models.AttendeeInfo) (*models.Ticket, error) {
	number, err := utils.TicketNumber()
	if err != nil {
		return nil, err
	}

	now, err := types.ParseDateTime(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	expires, err := types.ParseDateTime(event.EndsAt.Time().Add(s.cfg.TicketExpiryWindow))
	if err != nil {
		return nil, err
	}

	return &models.Ticket{
		ID:               uuid.NewString(),
		TicketNumber:     number,
		EventID:          event.ID,
		TicketTypeID:     tt.ID,
		BuyerID:          req.BuyerID,
		Quantity:         req.Quantity,
		UnitPrice:        tt.UnitPrice,
		TotalAmount:      tt.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))),
		LifecycleState:   models.TicketPending,
		PaymentState:     models.PaymentPending,
		CredentialSecret: uuid.NewString(),
		AttendeeName:     attendee.Name,
		AttendeeEmail:    attendee.Email,
		AttendeePhone:    attendee.Phone,
		Notes:            req.Notes,
		IssuedAt:         now,
		ExpiresAt:        expires,
	}, nil
}

// Confirm moves a paid pending ticket to confirmed. The ledger is not
// touched: the reservation already holds the units.
func (s *BookingService) Confirm(ctx context.Context, ticketID string) (*models.Ticket, error) {
	applied, err := s.store.Confirm(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("confirm ticket %s: %w", ticketID, err)
	}

	ticket, loadErr := s.store.TicketByID(ctx, ticketID)
	if loadErr != nil {
		return nil, loadErr
	}
	if applied {
		return ticket, nil
	}

	if ticket.LifecycleState == models.TicketPending && ticket.PaymentState != models.PaymentPaid {
		return nil, status.ErrNotPaid
	}
	return nil, &status.TransitionError{From: ticket.LifecycleState, To: models.TicketConfirmed}
}

// Cancel handles a buyer-initiated cancellation. It is rejected once
// the event has started; system-initiated releases (payment failure,
// sweep) skip that guard.
func (s *BookingService) Cancel(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ticket, err := s.store.TicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := ticket.CancelDenial(); err != nil {
		return nil, err
	}

	event, err := s.store.EventByID(ctx, ticket.EventID)
	if err != nil {
		return nil, err
	}
	if event.HasStarted(time.Now()) {
		return nil, status.ErrEventStarted
	}

	return s.cancel(ctx, ticket, "user")
}

// cancel flips the lifecycle state and releases the reservation. The
// conditional state flip is the serialization point: whichever caller
// wins it performs the one and only release.
func (s *BookingService) cancel(ctx context.Context, ticket *models.Ticket, origin string) (*models.Ticket, error) {
	applied, err := s.store.Cancel(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel ticket %s: %w", ticket.ID, err)
	}
	if !applied {
		current, err := s.store.TicketByID(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		if denial := current.CancelDenial(); denial != nil {
			return nil, denial
		}
		return nil, status.ErrConflict
	}

	reservation := &ledger.Reservation{TicketTypeID: ticket.TicketTypeID, Quantity: ticket.Quantity}
	if err := s.ledger.Release(ctx, reservation); err != nil {
		// The ticket is already cancelled; a failed release leaks
		// inventory and needs operator attention.
		slog.Error("reservation release failed after cancellation",
			"ticket", ticket.ID,
			"ticketType", ticket.TicketTypeID,
			"error", err,
		)
		return nil, err
	}

	ticket.LifecycleState = models.TicketCancelled
	monitoring.TrackCancellation(ticket.EventID, origin)
	return ticket, nil
}

// PaymentSucceeded records the payment collaborator's success report
// and confirms the ticket. Duplicate reports are tolerated.
func (s *BookingService) PaymentSucceeded(ctx context.Context, ticketID, paymentID string) (*models.Ticket, error) {
	applied, err := s.store.MarkPaid(ctx, ticketID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("mark ticket %s paid: %w", ticketID, err)
	}
	if !applied {
		ticket, err := s.store.TicketByID(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.PaymentState == models.PaymentPaid && ticket.LifecycleState == models.TicketConfirmed {
			return ticket, nil
		}
		if ticket.LifecycleState == models.TicketCancelled {
			return nil, status.ErrCancelled
		}
		return nil, &status.TransitionError{From: ticket.LifecycleState, To: models.TicketConfirmed}
	}
	return s.Confirm(ctx, ticketID)
}

// PaymentFailed records the failure and releases the reservation. A
// failure report that arrives after a recorded success is contradictory
// and is dropped: the paid ticket stands.
func (s *BookingService) PaymentFailed(ctx context.Context, ticketID string) error {
	applied, err := s.store.MarkPaymentFailed(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("mark ticket %s payment failed: %w", ticketID, err)
	}

	ticket, err := s.store.TicketByID(ctx, ticketID)
	if err != nil {
		return err
	}
	if !applied && ticket.PaymentState == models.PaymentPaid {
		slog.Warn("ignoring failure report for a paid ticket",
			"ticket", ticket.ID,
			"payment", ticket.PaymentID,
		)
		return nil
	}
	if denial := ticket.CancelDenial(); denial != nil {
		// Already terminal; nothing left to release.
		return nil
	}
	_, err = s.cancel(ctx, ticket, "payment_failed")
	return err
}

// TypeAvailability is the per ticket-type availability view.
type TypeAvailability struct {
	TicketTypeID string          `json:"ticket_type_id"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Capacity     int             `json:"capacity"`
	Available    int             `json:"available"`
}

func (s *BookingService) ListAvailability(ctx context.Context, eventID string) ([]TypeAvailability, error) {
	if _, err := s.store.EventByID(ctx, eventID); err != nil {
		return nil, err
	}
	tts, err := s.store.TicketTypesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	availability := make([]TypeAvailability, 0, len(tts))
	for _, tt := range tts {
		availability = append(availability, TypeAvailability{
			TicketTypeID: tt.ID,
			Name:         tt.Name,
			UnitPrice:    tt.UnitPrice,
			Capacity:     tt.Capacity,
			Available:    tt.Available(),
		})
	}
	return availability, nil
}

func (s *BookingService) Ticket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	return s.store.TicketByID(ctx, ticketID)
}

func (s *BookingService) Event(ctx context.Context, eventID string) (*models.Event, error) {
	return s.store.EventByID(ctx, eventID)
}

func (s *BookingService) MyTickets(ctx context.Context, buyerID string, limit, offset int) ([]models.Ticket, error) {
	return s.store.TicketsByBuyer(ctx, buyerID, clampLimit(limit), max(offset, 0))
}

func (s *BookingService) EventTickets(ctx context.Context, eventID, lifecycleState, paymentState string, limit, offset int) ([]models.Ticket, error) {
	return s.store.TicketsByEvent(ctx, eventID, lifecycleState, paymentState, clampLimit(limit), max(offset, 0))
}

// SweepPending cancels pending tickets whose payment window lapsed and
// releases their reservations. Returns the number of tickets released.
func (s *BookingService) SweepPending(ctx context.Context) (int, error) {
	cutoff, err := types.ParseDateTime(time.Now().UTC().Add(-s.cfg.PaymentTimeout))
	if err != nil {
		return 0, err
	}
	stale, err := s.store.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range stale {
		if _, err := s.cancel(ctx, &stale[i], "sweep"); err != nil {
			slog.Error("sweep: cancel failed", "ticket", stale[i].ID, "error", err)
			continue
		}
		released++
	}
	if released > 0 {
		monitoring.TrackSweep(released)
	}
	return released, nil
}

// SweepExpired moves confirmed tickets past their validity window to
// expired and returns their units to the pool.
func (s *BookingService) SweepExpired(ctx context.Context) (int, error) {
	now, err := types.ParseDateTime(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	lapsed, err := s.store.ConfirmedExpiredBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range lapsed {
		t := &lapsed[i]
		applied, err := s.store.Expire(ctx, t.ID)
		if err != nil {
			slog.Error("sweep: expire failed", "ticket", t.ID, "error", err)
			continue
		}
		if !applied {
			continue // redeemed or cancelled in the meantime
		}
		reservation := &ledger.Reservation{TicketTypeID: t.TicketTypeID, Quantity: t.Quantity}
		if err := s.ledger.Release(ctx, reservation); err != nil {
			slog.Error("sweep: release after expiry failed", "ticket", t.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	default:
		return limit
	}
}
