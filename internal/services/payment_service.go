package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"

	"tickethub/config"
	"tickethub/internal/status"
	"tickethub/models"
)

const paymentNotificationChannel = "bank-payment-notifications"

// PaymentService tracks in-flight payment sessions in Redis and
// listens for the bank's settlement notifications on PubNub. Session
// keys expire with the payment timeout; the sweeper reclaims tickets
// whose session lapsed without a notification.
type PaymentService struct {
	redis    *redis.Client
	pubnub   *pubnub.PubNub
	booking  *BookingService
	notifier *Notifier
	cfg      *config.Config

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPaymentService(redisClient *redis.Client, pn *pubnub.PubNub, booking *BookingService, notifier *Notifier, cfg *config.Config) *PaymentService {
	return &PaymentService{
		redis:    redisClient,
		pubnub:   pn,
		booking:  booking,
		notifier: notifier,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// CreatePaymentSession opens a session for a freshly booked ticket and
// returns the payment ID the bank will echo back.
func (s *PaymentService) CreatePaymentSession(ctx context.Context, t *models.Ticket) (string, error) {
	paymentID := fmt.Sprintf("payment_%s_%d", t.ID, time.Now().Unix())

	sessionKey := paymentKey(paymentID)
	fields := map[string]interface{}{
		"payment_id": paymentID,
		"ticket_id":  t.ID,
		"buyer_id":   t.BuyerID,
		"amount":     t.TotalAmount.String(),
		"status":     "pending",
		"created_at": time.Now().Unix(),
	}
	if err := s.redis.HSet(ctx, sessionKey, fields).Err(); err != nil {
		return "", fmt.Errorf("create payment session for ticket %s: %w", t.ID, err)
	}
	s.redis.Expire(ctx, sessionKey, s.cfg.PaymentTimeout)

	return paymentID, nil
}

// Session returns the stored session fields, or ErrNotFound once the
// key expired.
func (s *PaymentService) Session(ctx context.Context, paymentID string) (map[string]string, error) {
	fields, err := s.redis.HGetAll(ctx, paymentKey(paymentID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, status.ErrNotFound
	}
	return fields, nil
}

// Start subscribes to the bank notification channel. No-op when PubNub
// is not configured; payments then settle only through SimulatePayment
// or the sweep.
func (s *PaymentService) Start() {
	if s.pubnub == nil {
		slog.Warn("pubnub not configured, bank payment notifications disabled")
		return
	}

	listener := pubnub.NewListener()
	s.pubnub.AddListener(listener)
	s.pubnub.Subscribe().
		Channels([]string{paymentNotificationChannel}).
		Execute()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case message := <-listener.Message:
				go s.handleNotification(message)
			case <-s.stopChan:
				s.pubnub.Unsubscribe().
					Channels([]string{paymentNotificationChannel}).
					Execute()
				return
			}
		}
	}()
}

func (s *PaymentService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *PaymentService) handleNotification(message *pubnub.PNMessage) {
	var notification struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	}

	data, ok := message.Message.(map[string]interface{})
	if !ok {
		return
	}
	raw, _ := json.Marshal(data)
	if err := json.Unmarshal(raw, &notification); err != nil {
		slog.Error("unparseable payment notification", "error", err)
		return
	}

	ctx := context.Background()
	if err := s.Settle(ctx, notification.PaymentID, notification.Status == "success"); err != nil {
		slog.Error("payment settlement failed",
			"paymentID", notification.PaymentID,
			"status", notification.Status,
			"error", err,
		)
	}
}

// Settle applies the bank's outcome to the session's ticket. Success
// confirms the ticket, failure cancels it and returns its units.
func (s *PaymentService) Settle(ctx context.Context, paymentID string, succeeded bool) error {
	session, err := s.Session(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("payment session %s: %w", paymentID, err)
	}
	ticketID := session["ticket_id"]

	if succeeded {
		ticket, err := s.booking.PaymentSucceeded(ctx, ticketID, paymentID)
		if err != nil {
			return err
		}
		s.redis.HSet(ctx, paymentKey(paymentID), "status", "completed")
		s.notifier.TicketConfirmed(ctx, ticket)
		slog.Info("payment completed", "paymentID", paymentID, "ticket", ticket.TicketNumber)
		return nil
	}

	if err := s.booking.PaymentFailed(ctx, ticketID); err != nil {
		return err
	}
	s.redis.HSet(ctx, paymentKey(paymentID), "status", "failed")
	if ticket, err := s.booking.Ticket(ctx, ticketID); err == nil {
		s.notifier.PaymentFailed(ctx, ticket)
	}
	slog.Info("payment failed", "paymentID", paymentID, "ticket", ticketID)
	return nil
}

// SimulatePayment settles a session without a bank notification. Only
// available outside production.
func (s *PaymentService) SimulatePayment(ctx context.Context, paymentID string, succeeded bool) error {
	if s.cfg.Environment == "production" {
		return status.ErrForbidden
	}
	return s.Settle(ctx, paymentID, succeeded)
}

func paymentKey(paymentID string) string {
	return fmt.Sprintf("payment:%s", paymentID)
}
