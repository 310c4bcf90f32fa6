package services

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go"

	"tickethub/models"
	"tickethub/utils"
)

// Notifier pushes realtime updates to buyers and organizers over
// PubNub. Publishes go through a circuit breaker so a PubNub outage
// cannot stall booking or gate traffic; notifications are best effort.
// A nil Notifier is valid and drops everything.
type Notifier struct {
	pubnub  *pubnub.PubNub
	breaker *utils.CircuitBreaker
}

func NewNotifier(pn *pubnub.PubNub) *Notifier {
	if pn == nil {
		slog.Warn("pubnub not configured, realtime notifications disabled")
		return nil
	}
	return &Notifier{
		pubnub:  pn,
		breaker: utils.NewCircuitBreaker("pubnub"),
	}
}

func (n *Notifier) TicketConfirmed(ctx context.Context, t *models.Ticket) {
	n.publish(ctx, buyerChannel(t.BuyerID), map[string]interface{}{
		"type":          "ticket_confirmed",
		"ticket_id":     t.ID,
		"ticket_number": t.TicketNumber,
		"event_id":      t.EventID,
	})
}

func (n *Notifier) TicketCancelled(ctx context.Context, t *models.Ticket, reason string) {
	n.publish(ctx, buyerChannel(t.BuyerID), map[string]interface{}{
		"type":          "ticket_cancelled",
		"ticket_id":     t.ID,
		"ticket_number": t.TicketNumber,
		"event_id":      t.EventID,
		"reason":        reason,
	})
}

func (n *Notifier) TicketRedeemed(ctx context.Context, t *models.Ticket) {
	n.publish(ctx, organizerChannel(t.EventID), map[string]interface{}{
		"type":          "ticket_redeemed",
		"ticket_number": t.TicketNumber,
		"event_id":      t.EventID,
		"quantity":      t.Quantity,
		"attendee":      t.AttendeeName,
	})
}

func (n *Notifier) PaymentFailed(ctx context.Context, t *models.Ticket) {
	n.publish(ctx, buyerChannel(t.BuyerID), map[string]interface{}{
		"type":          "payment_failed",
		"ticket_id":     t.ID,
		"ticket_number": t.TicketNumber,
		"event_id":      t.EventID,
	})
}

func (n *Notifier) publish(ctx context.Context, channel string, message map[string]interface{}) {
	if n == nil {
		return
	}
	err := n.breaker.Execute(ctx, func() error {
		_, _, err := n.pubnub.Publish().
			Channel(channel).
			Message(message).
			Execute()
		return err
	})
	if err != nil {
		slog.Warn("notification dropped", "channel", channel, "error", err)
	}
}

func buyerChannel(buyerID string) string {
	return fmt.Sprintf("user-%s", buyerID)
}

func organizerChannel(eventID string) string {
	return fmt.Sprintf("event-%s-gate", eventID)
}
