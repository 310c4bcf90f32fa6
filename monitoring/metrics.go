package monitoring

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bookings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_bookings_total",
			Help: "Booking attempts by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	redemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_redemptions_total",
			Help: "Gate scan redemption attempts by outcome",
		},
		[]string{"event_id", "outcome"},
	)

	cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_cancellations_total",
			Help: "Ticket cancellations by origin (user, payment_failed, sweep)",
		},
		[]string{"event_id", "origin"},
	)

	sweptReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reservations_swept_total",
			Help: "Stale pending reservations released by the background sweep",
		},
	)
)

// TrackBooking records a booking attempt. Outcome is "created",
// "sold_out" or "error".
func TrackBooking(eventID, outcome string) {
	bookings.WithLabelValues(eventID, outcome).Inc()
}

// TrackRedemption records a gate scan. Outcome is "admitted" or the
// specific rejection reason.
func TrackRedemption(eventID, outcome string) {
	redemptions.WithLabelValues(eventID, outcome).Inc()
}

func TrackCancellation(eventID, origin string) {
	cancellations.WithLabelValues(eventID, origin).Inc()
}

func TrackSweep(released int) {
	sweptReservations.Add(float64(released))
}

// Serve exposes the metrics endpoint on its own listener.
func Serve(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			log.Printf("metrics listener stopped: %v", err)
		}
	}()
}
