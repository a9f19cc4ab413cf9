package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voltgrid/coordinator/internal/bridge"
	"github.com/voltgrid/coordinator/internal/config"
	"github.com/voltgrid/coordinator/internal/database"
	"github.com/voltgrid/coordinator/internal/handler"
	"github.com/voltgrid/coordinator/internal/jobs"
	"github.com/voltgrid/coordinator/internal/ledger"
	"github.com/voltgrid/coordinator/internal/lightning"
	"github.com/voltgrid/coordinator/internal/middleware"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/noderpc"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	"github.com/voltgrid/coordinator/internal/redis"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/scheduler"
	"github.com/voltgrid/coordinator/internal/service"
	"github.com/voltgrid/coordinator/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("ENVIRONMENT") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	userRepo := repository.NewUserRepository(db.DB)
	nodeRepo := repository.NewNodeRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	invoiceRepo := repository.NewInvoiceRepository(db.DB)
	txRepo := repository.NewTransactionRepository(db.DB)

	house, err := userRepo.FindByUsername(context.Background(), model.HouseUsername)
	if err != nil || house == nil {
		log.Fatal().Err(err).Msg("house account missing; migration did not run")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	gateway := lightning.NewClient(lightning.Options{
		RestURL:       cfg.LNDRestURL,
		MacaroonHex:   cfg.LNDMacaroonHex,
		TLSSkipVerify: cfg.LNDTLSSkipVerify,
		Timeout:       config.LightningCallTimeout,
	})
	nodeRPC := noderpc.NewClient()

	ldgr := ledger.New(db, userRepo, txRepo, house.ID)
	reg := registry.New(nodeRepo, sessionRepo, ldgr, redisClient, cfg.NodeRegistrationFeeSats, cfg.HeartbeatTimeout())

	orch := orchestrator.New(sessionRepo, invoiceRepo, nodeRepo, txRepo, reg, ldgr, gateway, nodeRPC, broker, orchestrator.Config{
		CommissionRate:    cfg.CommissionRate,
		InvoiceExpiry:     cfg.InvoiceExpiry(),
		StartingTimeout:   cfg.StartingTimeout(),
		DownloadTimeout:   cfg.DownloadTimeout(),
		SessionMinMinutes: cfg.SessionMinMinutes,
		SessionMaxMinutes: cfg.SessionMaxMinutes,
	})
	defer orch.Close()

	streamBridge := bridge.New(sessionRepo, nodeRepo, nodeRPC, broker, cfg.TokenIdleTimeout())
	orch.SetBridge(streamBridge)

	paymentService := service.NewPaymentService(
		invoiceRepo, sessionRepo, ldgr, gateway, orch, redisClient,
		cfg.InvoiceExpiry(), cfg.WithdrawalsEnabled,
	)
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.AccessTokenExpiry())
	marketplaceService := service.NewMarketplaceService(reg, nodeRepo, sessionRepo, userRepo)

	sched := scheduler.New(sessionRepo, invoiceRepo, reg, orch, paymentService, scheduler.Config{
		NodeSweepInterval:   cfg.NodeSweepInterval(),
		InvoicePollInterval: cfg.InvoicePollInterval(),
		StartingTimeout:     cfg.StartingTimeout(),
		DownloadTimeout:     cfg.DownloadTimeout(),
		PendingSessionTTL:   cfg.InvoiceExpiry(),
	})
	orch.SetScheduler(sched)

	if err := orch.Recover(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to recover session state")
	}
	sched.Start()
	defer sched.Stop()

	authMiddleware := middleware.NewAuthMiddleware(authService)
	rateLimit := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(isProduction)

	authHandler := handler.NewAuthHandler(authService)
	nodesHandler := handler.NewNodesHandler(reg, marketplaceService, house.ID)
	sessionsHandler := handler.NewSessionsHandler(orch, streamBridge, paymentService, sessionRepo)
	walletHandler := handler.NewWalletHandler(paymentService, ldgr, orch)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders.Handler)
	r.Use(bodyLimit.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		// Public surface
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.With(rateLimit.Limit("register", config.RegisterRateLimit)).Post("/register", authHandler.Register)
			r.With(rateLimit.Limit("login", config.LoginRateLimit)).Post("/login", authHandler.Login)
			r.Get("/models/available", nodesHandler.ModelsAvailable)
			r.Get("/nodes/online", nodesHandler.NodesOnline)
		})

		// Authenticated surface
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(authMiddleware.Handler)
			r.Use(rateLimit.Limit("api", config.DefaultRateLimit))

			r.Get("/me", authHandler.Me)

			r.Post("/register_node", nodesHandler.RegisterNode)
			r.Post("/node_heartbeat", nodesHandler.Heartbeat)
			r.Get("/nodes/{id}/stats", nodesHandler.NodeStats)

			r.With(rateLimit.Limit("new_session", config.NewSessionRateLimit)).Post("/new_session", sessionsHandler.NewSession)
			r.Get("/sessions", sessionsHandler.ListSessions)
			r.Get("/session/{id}/check_payment", sessionsHandler.CheckPayment)
			r.Post("/session/{id}/message", sessionsHandler.ChatMessage)
			r.Post("/session/{id}/end", sessionsHandler.EndSession)
			r.Post("/session/{id}/resume", sessionsHandler.ResumeSession)

			r.Post("/wallet/deposit", walletHandler.Deposit)
			r.Get("/wallet/deposit/check/{hash}", walletHandler.CheckDeposit)
			r.Post("/wallet/pay_session", walletHandler.PaySession)
			r.Get("/wallet/transactions", walletHandler.Transactions)
			r.Post("/wallet/withdraw", walletHandler.Withdraw)

			r.Route("/admin", func(r chi.Router) {
				r.Use(authMiddleware.RequireAdmin)
				r.Get("/nodes", nodesHandler.AdminNodes)
				r.Get("/stats", nodesHandler.AdminStats)
			})
		})

		// Push channel: no request timeout, the stream is long-lived.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Get("/events", eventsHandler.ServeHTTP)
		})
	})

	cleanupJob := jobs.NewCleanupJob(invoiceRepo, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
