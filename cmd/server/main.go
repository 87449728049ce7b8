// Server hosts heartbeat ingestion, the realtime hubs, and token issuance.
// Configure via .env or environment; see internal/config.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classwatch/backend/internal/audit"
	auditrepo "classwatch/backend/internal/audit/repository"
	"classwatch/backend/internal/config"
	"classwatch/backend/internal/db"
	"classwatch/backend/internal/dispatch"
	"classwatch/backend/internal/heartbeat"
	hbhandler "classwatch/backend/internal/heartbeat/handler"
	"classwatch/backend/internal/hub"
	policyrepo "classwatch/backend/internal/policy/repository"
	"classwatch/backend/internal/presence"
	presencerepo "classwatch/backend/internal/presence/repository"
	"classwatch/backend/internal/ratelimit"
	"classwatch/backend/internal/relay"
	rosterrepo "classwatch/backend/internal/roster/repository"
	"classwatch/backend/internal/security"
	"classwatch/backend/internal/server"
	sessionrepo "classwatch/backend/internal/session/repository"
	"classwatch/backend/internal/telemetry"
	"classwatch/backend/internal/telemetry/otel"
	"classwatch/backend/internal/telemetry/producer"
	"classwatch/backend/internal/tenant/guard"
	tenantrepo "classwatch/backend/internal/tenant/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	// Repositories.
	tenants := tenantrepo.NewPostgresRepository(conn)
	devices := rosterrepo.NewPostgresDeviceRepository(conn)
	people := rosterrepo.NewPostgresPersonRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)
	markers := presencerepo.NewPostgresRepository(conn)
	auditor := audit.NewLogger(auditrepo.NewPostgresRepository(conn), nil)

	// Auth.
	if cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "" {
		log.Fatal("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required")
	}
	privKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt private key: %v", err)
	}
	pubKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	tokens := security.NewTokenProvider(privKey, pubKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	hasher := security.NewHasher(cfg.BcryptCost)

	evaluator := guard.NewOPAEvaluator(policies)
	tenantGuard := guard.New(tenants, sessions, evaluator, guard.WithAuditor(auditor))

	// Telemetry: durable Kafka copy plus OTLP log export, both optional.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}
	var emitters []telemetry.EventEmitter
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}
	var providers *otel.Providers
	if cfg.OTLPEndpoint != "" {
		providers, err = otel.NewProviders(ctx, cfg.OTLPEndpoint, "classwatch-server", cfg.Env != "production")
		if err != nil {
			log.Fatalf("otel: %v", err)
		}
		providers.SetGlobal()
		emitters = append(emitters, otel.NewEventEmitter(providers.LoggerProvider))
	}
	emitter := telemetry.Tee(emitters...)

	// Realtime plane.
	realtimeHub := hub.New(tokens, tenantGuard, logger, hub.Options{
		AllowedOrigins: cfg.AllowedOriginsList(),
	})
	aggregator := presence.New(policies, markers, logger, presence.WithListener(realtimeHub))
	signalRelay := relay.New(realtimeHub, emitter, logger, relay.WithReachability(aggregator))
	dispatcher := dispatch.New(realtimeHub, people, policies, aggregator, emitter, logger)
	realtimeHub.Route(signalRelay, dispatcher)
	realtimeHub.SetRoster(aggregator)
	realtimeHub.OnAgentGone(signalRelay.EndSession)
	realtimeHub.OnViewerGone(signalRelay.ViewerGone)

	go aggregator.RunSweep(ctx)

	// Ingestion.
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	ingest := heartbeat.NewService(tenantGuard, limiter, aggregator, emitter, devices)

	router := server.NewRouter(server.Deps{
		Tokens:    tokens,
		Auth:      server.NewAuthHandler(devices, tenants, sessions, tokens, hasher, auditor),
		Heartbeat: hbhandler.NewHandler(ingest),
		AgentWS:   realtimeHub.HandleAgentWS,
		ViewerWS:  realtimeHub.HandleViewerWS,
		Health:    server.NewHealthHandler(conn, evaluator),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()

	// Give in-flight async emits a chance to land before closing exporters.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Printf("kafka close: %v", err)
		}
	}
	if providers != nil {
		if err := providers.Shutdown(context.Background()); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}
	log.Println("server stopped")
}
