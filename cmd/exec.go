package cmd

import (
	"log"
	"log/slog"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"

	"tickethub/config"
	"tickethub/internal/handlers"
	"tickethub/internal/ledger"
	"tickethub/internal/services"
	"tickethub/internal/store"
	"tickethub/monitoring"
	"tickethub/security"
	"tickethub/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pnConfig.UUID = "tickethub-server"
		pn = pubnub.NewPubNub(pnConfig)
	}
	notifier := services.NewNotifier(pn)

	rateLimiter := security.NewRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// The services share the app's database; every inventory
		// mutation they issue is a conditional UPDATE, so concurrent
		// requests serialize at the storage boundary.
		st := store.New(app.DB())
		lg := ledger.New(app.DB())

		bookingService := services.NewBookingService(st, lg, cfg)
		verificationService := services.NewVerificationService(st, notifier)
		paymentService := services.NewPaymentService(redisClient, pn, bookingService, notifier, cfg)
		sweeper := services.NewSweeper(bookingService, cfg)

		paymentService.Start()
		sweeper.Start()

		app.OnTerminate().BindFunc(func(te *core.TerminateEvent) error {
			sweeper.Stop()
			paymentService.Stop()
			slog.Info("background services stopped")
			return te.Next()
		})

		bookingHandler := handlers.NewBookingHandler(app, bookingService, paymentService)
		verificationHandler := handlers.NewVerificationHandler(app, verificationService)
		paymentHandler := handlers.NewPaymentHandler(app, paymentService)

		// Booking endpoints
		e.Router.POST("/api/v1/tickets", bookingHandler.Book).
			BindFunc(rateLimiter.BookingRateLimit(20)).
			BindFunc(rateLimiter.AntiBotMiddleware())
		e.Router.GET("/api/v1/tickets/my-tickets", bookingHandler.MyTickets)
		e.Router.GET("/api/v1/tickets/{id}", bookingHandler.GetTicket)
		e.Router.PUT("/api/v1/tickets/{id}/cancel", bookingHandler.Cancel)
		e.Router.GET("/api/v1/tickets/event/{eventId}", bookingHandler.EventTickets)
		e.Router.GET("/api/v1/events/{eventId}/availability", bookingHandler.Availability)

		// Verification endpoints
		e.Router.POST("/api/v1/tickets/verify", verificationHandler.Verify)
		e.Router.POST("/api/v1/tickets/scan", verificationHandler.Scan)

		// Payment endpoints
		e.Router.GET("/api/v1/payment/{paymentId}", paymentHandler.GetPaymentDetails)
		e.Router.GET("/api/v1/payment/{paymentId}/status", paymentHandler.CheckPaymentStatus)

		// Test endpoint for payment simulation
		if cfg.Environment != "production" {
			e.Router.POST("/api/v1/test/simulate-payment", paymentHandler.SimulatePayment)
		}

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		if cfg.EnableMetrics {
			monitoring.Serve(cfg.MetricsPort)
		}

		log.Println("Server routes registered")

		return e.Next()
	})

	return app.Start()
}
