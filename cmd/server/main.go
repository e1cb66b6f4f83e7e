package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-live/internal/api"
	"collab-live/internal/broadcast"
	"collab-live/internal/config"
	"collab-live/internal/content"
	"collab-live/internal/db"
	"collab-live/internal/ratelimit"
	"collab-live/internal/repository"
	"collab-live/internal/services/collaboration"
	"collab-live/internal/services/extensions"
	"collab-live/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. A fixed extension pipeline assembled once at startup
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting, flush documents, then
   release the shared store and databases
*/

const version = "0.1.0"

func main() {
	log.Println("🚀 Starting collaborative document server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	instanceID := uuid.NewString()

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.Options{
		ServiceName: "collab-live",
		Version:     version,
		InstanceID:  instanceID,
		Endpoint:    cfg.JaegerEndpoint,
	})
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Shared store: Redis across instances, process memory otherwise
	var (
		counters    ratelimit.CounterStore
		broker      broadcast.Broker
		redisClient *redis.Client
	)
	if cfg.Distributed() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Rate limits fail open, but without pub/sub instances would diverge
			cancel()
			log.Fatalf("❌ Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		cancel()
		counters = ratelimit.NewRedisStore(redisClient)
		broker = broadcast.NewRedisBroker(redisClient, log.Default())
		log.Printf("✓ Connected to Redis at %s", cfg.RedisAddr)
	} else {
		counters = ratelimit.NewMemoryStore()
		broker = broadcast.NewMemoryBroker()
		log.Println("⚠️  REDIS_ADDR not set, running as a single instance")
	}

	// Update journal
	var (
		journal  repository.UpdateJournal
		closeDB  func()
		dbHealth api.HealthCheck
	)
	switch cfg.JournalBackend {
	case config.JournalPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		journal = repository.NewUpdateRepository(database.DB)
		dbHealth = database.Ping
		closeDB = func() { _ = database.Close() }

	case config.JournalMongo:
		mongoDB, err := db.NewMongo(context.Background(), cfg)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		repo := repository.NewMongoUpdateRepository(mongoDB.Updates())
		if err := repo.EnsureIndexes(context.Background()); err != nil {
			log.Printf("⚠️  %v", err)
		}
		journal = repo
		dbHealth = mongoDB.Ping
		closeDB = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoDB.Close(ctx)
		}

	default:
		log.Println("⚠️  JOURNAL_BACKEND not set, unsaved changes live in memory only")
		closeDB = func() {}
	}
	defer closeDB()

	// Content API
	httpClient := &http.Client{Timeout: cfg.ContentAPITimeout}
	resolver := content.NewResolver(cfg.ContentAPIURL, httpClient)
	var users collaboration.UserVerifier
	if cfg.VerifyUser {
		users = content.NewUserClient(cfg.ContentAPIURL, httpClient)
	}

	// Extension pipeline
	// Learning: Order matters - rate limiting runs before anything loads,
	// persistence before broadcast, force-close last
	channels := broadcast.Channels{Prefix: cfg.KeyPrefix}
	limiter := ratelimit.NewLimiter(counters, ratelimit.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		ConnectionWindow:      cfg.ConnectionWindow,
		MaxMessagesPerSecond:  cfg.MaxMessagesPerSecond,
		KeyPrefix:             cfg.KeyPrefix,
	})
	titleSync := extensions.NewTitleSync(nil, broker, channels, instanceID, nil)
	forceClose := extensions.NewForceClose(broker, channels, instanceID, nil)

	pipeline := collaboration.NewPipeline(
		extensions.NewLogger(nil),
		extensions.NewRateLimit(limiter, nil),
		extensions.NewPersistence(resolver, journal, nil),
		extensions.NewRedis(broker, channels, instanceID, nil),
		titleSync,
		forceClose,
	)

	if err := forceClose.Start(context.Background()); err != nil {
		log.Fatalf("❌ Failed to subscribe to force-close channel: %v", err)
	}

	// Initialize WebSocket session manager for real-time collaboration
	sessionManager := collaboration.NewSessionManager(pipeline, collaboration.Config{
		StoreDebounce:    cfg.StoreDebounce,
		StoreMaxDebounce: cfg.StoreMaxDebounce,
	})
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, users).WithAllowedOrigins(cfg.AllowedOrigins)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(sessionManager, forceClose, wsHandler, instanceID)
	if redisClient != nil {
		handler.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	if dbHealth != nil {
		handler.WithHealthCheck("journal", dbHealth)
	}

	// Setup routes
	router := api.SetupRoutes(handler, cfg.AdminSecret)
	if cfg.AdminSecret == "" {
		log.Println("⚠️  LIVE_ADMIN_SECRET not set, admin endpoints are open")
	}

	// Configure HTTP server
	// Learning: No Read/WriteTimeout - they would cut long-lived WebSocket
	// sessions; the connection pumps enforce their own deadlines
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s (instance %s)", cfg.Addr(), instanceID)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/documents/:id                 - Collaborative editing socket")
		log.Printf("   GET    /api/health                       - Health check")
		log.Printf("   GET    /api/documents                    - Live documents")
		log.Printf("   GET    /api/documents/:id                - Live document stats")
		log.Printf("   POST   /api/documents/:id/force-close    - Close sessions on a document")
		log.Printf("   Document types: %v", resolver.Supported())
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Learning: Give sessions 30 seconds to flush their documents
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by server.Shutdown,
	// so the session manager closes them itself
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	if err := sessionManager.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Sessions did not finish flushing: %v", err)
	}
	titleSync.Wait()
	forceClose.Stop()

	if err := broker.Close(); err != nil {
		log.Printf("⚠️  Failed to close broadcast broker: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Println("✓ Server shutdown complete")
}
