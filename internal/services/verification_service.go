package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/pocketbase/tools/types"

	"tickethub/internal/credential"
	"tickethub/internal/status"
	"tickethub/internal/store"
	"tickethub/models"
	"tickethub/monitoring"
)

// Principal identifies the authenticated caller of a verification
// operation. Gate staff act with the organizer's identity or with the
// admin role.
type Principal struct {
	ID   string
	Role string
}

const RoleAdmin = "admin"

// VerificationService answers "may this credential be admitted" and
// performs the one-shot redemption at the gate.
type VerificationService struct {
	store    *store.Store
	notifier *Notifier
}

func NewVerificationService(st *store.Store, n *Notifier) *VerificationService {
	return &VerificationService{store: st, notifier: n}
}

// Verify checks a presented credential without consuming it. The
// returned ticket is non-nil whenever the credential resolved to a
// record, even if admission is denied.
func (s *VerificationService) Verify(ctx context.Context, p Principal, raw string) (*models.Ticket, error) {
	ticket, err := s.resolve(ctx, p, raw)
	if err != nil {
		return nil, err
	}
	if denial := ticket.AdmissionDenial(time.Now()); denial != nil {
		return ticket, denial
	}
	return ticket, nil
}

// Redeem consumes a valid credential. Exactly one of any number of
// concurrent calls for the same ticket succeeds; every other caller
// gets ErrAlreadyUsed.
func (s *VerificationService) Redeem(ctx context.Context, p Principal, raw string) (*models.Ticket, error) {
	ticket, err := s.resolve(ctx, p, raw)
	if err != nil {
		return nil, err
	}
	if denial := ticket.AdmissionDenial(time.Now()); denial != nil {
		monitoring.TrackRedemption(ticket.EventID, "denied")
		return ticket, denial
	}

	redeemedAt, err := types.ParseDateTime(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	applied, err := s.store.Redeem(ctx, ticket.TicketNumber, ticket.CredentialSecret, redeemedAt)
	if err != nil {
		return nil, fmt.Errorf("redeem ticket %s: %w", ticket.TicketNumber, err)
	}
	if !applied {
		// Lost the race, or the sweeper got there first.
		current, err := s.store.TicketByID(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		if denial := current.AdmissionDenial(time.Now()); denial != nil {
			monitoring.TrackRedemption(current.EventID, "denied")
			return current, denial
		}
		return current, status.ErrAlreadyUsed
	}

	ticket.LifecycleState = models.TicketUsed
	ticket.RedeemedAt = redeemedAt
	monitoring.TrackRedemption(ticket.EventID, "admitted")
	slog.Info("ticket redeemed",
		"ticket", ticket.TicketNumber,
		"event", ticket.EventID,
		"quantity", ticket.Quantity,
	)
	s.notifier.TicketRedeemed(ctx, ticket)
	return ticket, nil
}

// resolve decodes the credential, loads the matching record and checks
// that the caller may verify tickets for the event. Lookup misses and
// payload mismatches are both reported as ErrInvalid so a scanner
// cannot distinguish a forged secret from an unknown ticket.
func (s *VerificationService) resolve(ctx context.Context, p Principal, raw string) (*models.Ticket, error) {
	if p.ID == "" {
		return nil, status.ErrForbidden
	}

	payload, err := credential.Decode(raw)
	if err != nil {
		return nil, err
	}

	ticket, err := s.store.TicketByCredential(ctx, payload.TicketNumber, payload.Secret)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, status.ErrInvalid
		}
		return nil, err
	}
	if ticket.TicketTypeID != payload.TicketTypeID || ticket.Quantity != payload.Quantity {
		return nil, status.ErrInvalid
	}

	if err := s.authorize(ctx, p, ticket.EventID); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *VerificationService) authorize(ctx context.Context, p Principal, eventID string) error {
	if p.Role == RoleAdmin {
		return nil
	}
	event, err := s.store.EventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.OrganizerID != p.ID {
		return status.ErrForbidden
	}
	return nil
}
