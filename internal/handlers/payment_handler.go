package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"tickethub/internal/services"
)

type PaymentHandler struct {
	app            *pocketbase.PocketBase
	paymentService *services.PaymentService
}

func NewPaymentHandler(app *pocketbase.PocketBase, paymentService *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		app:            app,
		paymentService: paymentService,
	}
}

// GetPaymentDetails - Get payment session details
func (h *PaymentHandler) GetPaymentDetails(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	paymentID := e.Request.PathValue("paymentId")
	session, err := h.paymentService.Session(e.Request.Context(), paymentID)
	if err != nil {
		return apiError(err)
	}
	if session["buyer_id"] != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"payment_id": paymentID,
		"ticket_id":  session["ticket_id"],
		"amount":     session["amount"],
		"status":     session["status"],
	})
}

// CheckPaymentStatus - Poll the session status
func (h *PaymentHandler) CheckPaymentStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	session, err := h.paymentService.Session(e.Request.Context(), e.Request.PathValue("paymentId"))
	if err != nil {
		return apiError(err)
	}
	if session["buyer_id"] != e.Auth.Id && !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Access denied", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{"status": session["status"]})
}

// SimulatePayment - Settle a session without a bank notification, dev only
func (h *PaymentHandler) SimulatePayment(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		PaymentID string `json:"payment_id"`
		Outcome   string `json:"outcome"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Outcome != "success" && req.Outcome != "failure" {
		return apis.NewBadRequestError("outcome must be success or failure", nil)
	}

	if err := h.paymentService.SimulatePayment(e.Request.Context(), req.PaymentID, req.Outcome == "success"); err != nil {
		return apiError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"status": "settled"})
}
