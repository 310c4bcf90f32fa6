package handlers

import (
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"tickethub/internal/credential"
	"tickethub/internal/services"
	"tickethub/models"
)

type BookingHandler struct {
	app            *pocketbase.PocketBase
	bookingService *services.BookingService
	paymentService *services.PaymentService
}

func NewBookingHandler(app *pocketbase.PocketBase, bookingService *services.BookingService, paymentService *services.PaymentService) *BookingHandler {
	return &BookingHandler{
		app:            app,
		bookingService: bookingService,
		paymentService: paymentService,
	}
}

// Book - Reserve units and create a pending ticket with a payment session
func (h *BookingHandler) Book(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		EventID      string              `json:"event_id"`
		TicketTypeID string              `json:"ticket_type_id"`
		Quantity     int                 `json:"quantity"`
		Attendee     models.AttendeeInfo `json:"attendee"`
		Notes        string              `json:"notes"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ctx := e.Request.Context()

	ticket, err := h.bookingService.Book(ctx, services.BookRequest{
		EventID:      req.EventID,
		TicketTypeID: req.TicketTypeID,
		BuyerID:      e.Auth.Id,
		Quantity:     req.Quantity,
		Attendee:     req.Attendee,
		Notes:        req.Notes,
	})
	if err != nil {
		return apiError(err)
	}

	paymentID, err := h.paymentService.CreatePaymentSession(ctx, ticket)
	if err != nil {
		// the ticket stays pending; the sweeper reclaims it if no
		// session is ever paid
		return apiError(err)
	}

	return e.JSON(http.StatusCreated, map[string]any{
		"ticket":     ticketResponse(ticket, true),
		"payment_id": paymentID,
		"amount":     ticket.TotalAmount,
	})
}

// GetTicket - Fetch a single ticket, owner or superuser only
func (h *BookingHandler) GetTicket(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ticket, err := h.bookingService.Ticket(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return apiError(err)
	}
	if ticket.BuyerID != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	return e.JSON(http.StatusOK, ticketResponse(ticket, true))
}

// MyTickets - List the caller's tickets
func (h *BookingHandler) MyTickets(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	limit, offset := pagination(e)
	tickets, err := h.bookingService.MyTickets(e.Request.Context(), e.Auth.Id, limit, offset)
	if err != nil {
		return apiError(err)
	}

	items := make([]map[string]any, 0, len(tickets))
	for i := range tickets {
		items = append(items, ticketResponse(&tickets[i], true))
	}
	return e.JSON(http.StatusOK, map[string]any{"tickets": items})
}

// Cancel - Cancel the caller's ticket and return its units to the pool
func (h *BookingHandler) Cancel(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ctx := e.Request.Context()
	ticket, err := h.bookingService.Ticket(ctx, e.Request.PathValue("id"))
	if err != nil {
		return apiError(err)
	}
	if ticket.BuyerID != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	cancelled, err := h.bookingService.Cancel(ctx, ticket.ID)
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, ticketResponse(cancelled, false))
}

// EventTickets - List an event's tickets, organizer or superuser only
func (h *BookingHandler) EventTickets(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	ctx := e.Request.Context()
	eventID := e.Request.PathValue("eventId")

	event, err := h.bookingService.Event(ctx, eventID)
	if err != nil {
		return apiError(err)
	}
	if event.OrganizerID != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	limit, offset := pagination(e)
	tickets, err := h.bookingService.EventTickets(ctx, eventID,
		e.Request.URL.Query().Get("lifecycle_state"),
		e.Request.URL.Query().Get("payment_state"),
		limit, offset,
	)
	if err != nil {
		return apiError(err)
	}

	items := make([]map[string]any, 0, len(tickets))
	for i := range tickets {
		items = append(items, ticketResponse(&tickets[i], false))
	}
	return e.JSON(http.StatusOK, map[string]any{"tickets": items})
}

// Availability - Remaining capacity per ticket type, public
func (h *BookingHandler) Availability(e *core.RequestEvent) error {
	availability, err := h.bookingService.ListAvailability(e.Request.Context(), e.Request.PathValue("eventId"))
	if err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ticket_types": availability})
}

// ticketResponse renders a ticket for the API. The scannable credential
// is attached only for the owner's own views.
func ticketResponse(t *models.Ticket, withCredential bool) map[string]any {
	resp := map[string]any{
		"id":              t.ID,
		"ticket_number":   t.TicketNumber,
		"event_id":        t.EventID,
		"ticket_type_id":  t.TicketTypeID,
		"quantity":        t.Quantity,
		"unit_price":      t.UnitPrice,
		"total_amount":    t.TotalAmount,
		"lifecycle_state": t.LifecycleState,
		"payment_state":   t.PaymentState,
		"attendee":        t.Attendee(),
		"issued_at":       t.IssuedAt,
		"expires_at":      t.ExpiresAt,
	}
	if t.IsRedeemed() {
		resp["redeemed_at"] = t.RedeemedAt
	}
	if t.Notes != "" {
		resp["notes"] = t.Notes
	}
	if withCredential {
		if raw, err := credential.Issue(t).Encode(); err == nil {
			resp["credential"] = raw
		}
	}
	return resp
}

func pagination(e *core.RequestEvent) (limit, offset int) {
	limit, _ = strconv.Atoi(e.Request.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(e.Request.URL.Query().Get("offset"))
	return limit, offset
}
