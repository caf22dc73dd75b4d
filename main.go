package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beneFitterAPI/handlers"
	"beneFitterAPI/internal/auth"
	"beneFitterAPI/internal/challenge"
	"beneFitterAPI/internal/config"
	"beneFitterAPI/internal/health"
	"beneFitterAPI/internal/logging"
	"beneFitterAPI/internal/notification"
	"beneFitterAPI/internal/store"
	"beneFitterAPI/internal/workers"
	"beneFitterAPI/middleware"
	"beneFitterAPI/services"
)

func connectDB(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// awaitStop blocks until a signal arrives or the server fails. Both end in
// the same graceful shutdown so deferred cleanup runs.
func awaitStop(sigChan <-chan os.Signal, serverErr <-chan error) {
	select {
	case sig := <-sigChan:
		slog.Info("got signal", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("error starting server", "error", err)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("invalid configuration", "error", err)
	}
	logging.Setup(cfg.LogLevel)

	defaultOrg, ok := challenge.ParseOrganization(cfg.DefaultOrganization)
	if !ok {
		logging.Fatal("unknown DEFAULT_ORGANIZATION", "organization", cfg.DefaultOrganization)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	authMiddleware := middleware.ClerkAuthMiddleware
	if cfg.Auth.Disabled {
		authMiddleware = middleware.DevAuthMiddleware
		slog.Warn("authentication disabled, trusting X-User-ID header")
	} else {
		clerk.SetKey(cfg.Auth.ClerkSecretKey)
		slog.Info("Clerk initialized successfully")
	}

	// Firebase clients keep the context they are built with for token
	// refreshes, so they get the background context.
	var firebaseApp *firebase.App
	if cfg.Firebase.StoreBackend == config.StoreFirebase || cfg.Push.Enabled {
		firebaseApp, err = store.NewFirebaseApp(context.Background(), store.FirebaseConfig{
			DatabaseURL:     cfg.Firebase.DatabaseURL,
			CredentialsJSON: cfg.Firebase.CredentialsJSON,
			CredentialsFile: cfg.Firebase.CredentialsFile,
		})
		if err != nil && cfg.Firebase.StoreBackend == config.StoreFirebase {
			logging.Fatal("failed to initialize firebase", "error", err)
		}
		if err != nil {
			slog.Warn("could not initialize firebase, push disabled", "error", err)
		}
	}

	var challengeStore store.Store
	if cfg.Firebase.StoreBackend == config.StoreFirebase {
		challengeStore, err = store.NewFirebaseStore(context.Background(), firebaseApp)
		if err != nil {
			logging.Fatal("failed to open realtime database", "error", err)
		}
		slog.Info("using firebase realtime database", "url", cfg.Firebase.DatabaseURL)
	} else {
		challengeStore = store.NewMemoryStore()
		slog.Warn("using in-memory challenge store, data is lost on restart")
	}

	var (
		dbPool      *pgxpool.Pool
		healthStore *health.PostgresStore
	)
	if cfg.Database.URL != "" {
		dbPool, err = connectDB(ctx, cfg.Database.URL)
		if err != nil {
			logging.Fatal("failed to connect to database", "error", err)
		}
		defer func() {
			slog.Info("closing database connection pool")
			dbPool.Close()
		}()

		healthStore = health.NewPostgresStore(dbPool)
		if err := healthStore.Migrate(ctx); err != nil {
			logging.Fatal("failed to migrate health samples", "error", err)
		}
		slog.Info("successfully connected to database")
	} else {
		slog.Warn("DATABASE_URL not set, health data disabled")
	}

	bus := challenge.NewBus()

	// A nil *PostgresStore must not end up inside the interfaces.
	var (
		healthProvider health.Provider
		healthRecorder health.Recorder
	)
	if healthStore != nil {
		healthProvider = healthStore
		healthRecorder = healthStore
	}
	challengeService := services.NewChallengeService(challengeStore, auth.ContextProvider{}, healthProvider, bus)

	if cfg.Push.Enabled && firebaseApp != nil {
		fcmService, err := notification.NewFCMService(context.Background(), firebaseApp)
		if err != nil {
			slog.Warn("could not initialize FCM", "error", err)
		} else {
			dispatcher := services.NewNotificationDispatcher(fcmService, cfg.Push.Workers)
			dispatcher.Attach(bus)
			defer dispatcher.Stop()
			slog.Info("FCM push provider initialized successfully", "workers", cfg.Push.Workers)
		}
	}

	middleware.InitPrometheus()
	services.InitPrometheus()

	challengeHandler := handlers.NewChallengeHandler(challengeService, defaultOrg)
	healthHandler := handlers.NewHealthHandler(healthRecorder)

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	workers.StartFinishWorker(backgroundCtx, challengeService, cfg.FinishSweepInterval)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go rateLimiter.CleanupVisitors(backgroundCtx)

	r := mux.NewRouter()
	r.Use(rateLimiter.Middleware)
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(cfg.Metrics.User, cfg.Metrics.Password)(promhttp.Handler()))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if dbPool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := dbPool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "beneFitter-api"}`))
	}).Methods("GET")

	protected := r.PathPrefix("/api/v1").Subrouter()
	protected.Use(authMiddleware)
	handlers.RegisterRoutes(protected, challengeHandler, healthHandler)

	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-User-ID"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := ":" + cfg.Server.Port
	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	awaitStop(sigChan, serverErr)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server shutdown complete")
}
