package status

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrNotBookable     = errors.New("event: not open for booking")
	ErrInvalidQuantity = errors.New("booking: invalid quantity")
	ErrNotPaid         = errors.New("ticket: payment not completed")
	ErrAlreadyUsed     = errors.New("ticket: already used")
	ErrExpired         = errors.New("ticket: expired")
	ErrCancelled       = errors.New("ticket: cancelled")
	ErrEventStarted    = errors.New("event: already started")
	ErrMalformed       = errors.New("credential: malformed payload")
	ErrInvalid         = errors.New("credential: invalid")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("storage: conflicting update")
)

// SoldOutError reports a failed reservation together with the number of
// units still available, so clients can offer a reduced quantity.
type SoldOutError struct {
	TicketTypeID string
	Requested    int
	Available    int
}

func (e *SoldOutError) Error() string {
	return fmt.Sprintf("ticket type %s: requested %d but only %d available", e.TicketTypeID, e.Requested, e.Available)
}

// TransitionError reports a lifecycle transition that is not allowed
// from the ticket's current state.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ticket: cannot transition from %s to %s", e.From, e.To)
}

func IsSoldOut(err error) bool {
	var soldOut *SoldOutError
	return errors.As(err, &soldOut)
}
