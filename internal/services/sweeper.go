package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tickethub/config"
)

// Sweeper periodically reclaims inventory: it cancels pending tickets
// whose payment window lapsed and expires confirmed tickets past their
// validity window.
type Sweeper struct {
	booking  *BookingService
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(booking *BookingService, cfg *config.Config) *Sweeper {
	return &Sweeper{
		booking:  booking,
		interval: cfg.SweepInterval,
		stopChan: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				return
			}
		}
	}()
	slog.Info("sweeper started", "interval", s.interval)
}

func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	slog.Info("sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	released, err := s.booking.SweepPending(ctx)
	if err != nil {
		slog.Error("sweep of stale pending tickets failed", "error", err)
	}
	expired, err := s.booking.SweepExpired(ctx)
	if err != nil {
		slog.Error("sweep of lapsed confirmed tickets failed", "error", err)
	}
	if released > 0 || expired > 0 {
		slog.Info("sweep completed", "released", released, "expired", expired)
	}
}
