package handlers

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pocketbase/pocketbase/apis"

	"tickethub/internal/status"
)

// apiError translates service errors into PocketBase API errors so
// every endpoint reports the same status code for the same condition.
func apiError(err error) error {
	var validationErrs validation.Errors
	if errors.As(err, &validationErrs) {
		return apis.NewBadRequestError(err.Error(), validationErrs)
	}

	var transition *status.TransitionError
	switch {
	case errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError("Not found", nil)
	case errors.Is(err, status.ErrForbidden):
		return apis.NewForbiddenError("Access denied", nil)
	case status.IsSoldOut(err),
		errors.Is(err, status.ErrConflict),
		errors.Is(err, status.ErrAlreadyUsed),
		errors.As(err, &transition):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	case errors.Is(err, status.ErrMalformed),
		errors.Is(err, status.ErrInvalid),
		errors.Is(err, status.ErrInvalidQuantity),
		errors.Is(err, status.ErrNotBookable),
		errors.Is(err, status.ErrEventStarted),
		errors.Is(err, status.ErrNotPaid),
		errors.Is(err, status.ErrExpired),
		errors.Is(err, status.ErrCancelled):
		return apis.NewBadRequestError(err.Error(), nil)
	default:
		return apis.NewApiError(http.StatusInternalServerError, "Something went wrong", nil)
	}
}

// denialReason is the machine-readable label a scanner app shows for a
// refused admission.
func denialReason(err error) string {
	switch {
	case errors.Is(err, status.ErrNotPaid):
		return "not_paid"
	case errors.Is(err, status.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, status.ErrExpired):
		return "expired"
	case errors.Is(err, status.ErrCancelled):
		return "cancelled"
	default:
		return "invalid"
	}
}
