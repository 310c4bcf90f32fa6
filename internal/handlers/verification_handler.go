package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"tickethub/internal/services"
	"tickethub/internal/status"
	"tickethub/models"
)

type VerificationHandler struct {
	app                 *pocketbase.PocketBase
	verificationService *services.VerificationService
}

func NewVerificationHandler(app *pocketbase.PocketBase, verificationService *services.VerificationService) *VerificationHandler {
	return &VerificationHandler{
		app:                 app,
		verificationService: verificationService,
	}
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

// Verify - Check a credential without consuming it
func (h *VerificationHandler) Verify(e *core.RequestEvent) error {
	principal, req, err := h.bind(e)
	if err != nil {
		return err
	}

	ticket, err := h.verificationService.Verify(e.Request.Context(), principal, req.Credential)
	if err != nil {
		if ticket == nil {
			return apiError(err)
		}
		// known ticket, denied admission: the scanner gets the reason,
		// not an opaque error
		return e.JSON(http.StatusOK, verificationResponse(ticket, err))
	}
	return e.JSON(http.StatusOK, verificationResponse(ticket, nil))
}

// Scan - Redeem a credential at the gate
func (h *VerificationHandler) Scan(e *core.RequestEvent) error {
	principal, req, err := h.bind(e)
	if err != nil {
		return err
	}

	ticket, err := h.verificationService.Redeem(e.Request.Context(), principal, req.Credential)
	if err != nil {
		if ticket == nil {
			return apiError(err)
		}
		return e.JSON(http.StatusConflict, verificationResponse(ticket, err))
	}
	return e.JSON(http.StatusOK, verificationResponse(ticket, nil))
}

func (h *VerificationHandler) bind(e *core.RequestEvent) (services.Principal, credentialRequest, error) {
	if e.Auth == nil {
		return services.Principal{}, credentialRequest{}, apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req credentialRequest
	if err := e.BindBody(&req); err != nil {
		return services.Principal{}, credentialRequest{}, apis.NewBadRequestError("Invalid request", err)
	}
	if req.Credential == "" {
		return services.Principal{}, credentialRequest{}, apiError(status.ErrMalformed)
	}

	principal := services.Principal{ID: e.Auth.Id}
	if e.HasSuperuserAuth() {
		principal.Role = services.RoleAdmin
	}
	return principal, req, nil
}

func verificationResponse(t *models.Ticket, denial error) map[string]any {
	resp := map[string]any{
		"valid":           denial == nil,
		"ticket_number":   t.TicketNumber,
		"event_id":        t.EventID,
		"quantity":        t.Quantity,
		"attendee":        t.AttendeeName,
		"lifecycle_state": t.LifecycleState,
	}
	if denial != nil {
		resp["reason"] = denialReason(denial)
	}
	if t.IsRedeemed() {
		resp["redeemed_at"] = t.RedeemedAt
	}
	return resp
}
