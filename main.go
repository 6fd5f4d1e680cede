package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"challenge-wager-service/handlers"
	"challenge-wager-service/middleware"
	"challenge-wager-service/models"
	"challenge-wager-service/services"
	"challenge-wager-service/utils"
	"challenge-wager-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s environment variable not set", key)
	}
	return v
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	backendURL := requireEnv("BACKEND_URL")
	backendKey := requireEnv("BACKEND_SERVICE_KEY")
	sessionToken := os.Getenv("BACKEND_SESSION_TOKEN") // empty = unauthenticated until set
	shopID := requireEnv("YOOKASSA_SHOP_ID")
	secretKey := requireEnv("YOOKASSA_SECRET_KEY")
	returnURL := requireEnv("PAYMENT_RETURN_URL")

	// Local durable store: postgres when DATABASE_URL is set, a local sqlite
	// file otherwise.
	var db *gorm.DB
	var err error
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	} else {
		path := os.Getenv("LOCAL_DB_PATH")
		if path == "" {
			path = "challenge-wager.db"
		}
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
	}
	if err != nil {
		log.Fatal("failed to open local store:", err)
	}

	if err := db.AutoMigrate(
		&models.Snapshot{},
		&models.PendingPayment{},
	); err != nil {
		log.Fatal("failed to migrate local store:", err)
	}

	if ok, err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	} else if !ok {
		log.Println("⚠️  R2 not configured, avatar uploads disabled")
	}

	// Explicit wiring, no ambient singletons.
	cache := utils.NewCache()
	retry := utils.NewRetryPolicy(models.IsRetryable)
	store := services.NewLocalStore(db)
	backend := services.NewHTTPBackendClient(backendURL, backendKey, sessionToken)
	gateway := services.NewHTTPGatewayClient(os.Getenv("YOOKASSA_API_URL"), shopID, secretKey)
	manager := services.NewLifecycleManager(backend, cache, store, retry)
	orchestrator := services.NewPaymentOrchestrator(gateway, backend, manager, store, returnURL)
	profile := services.NewProfileService(backend, manager, cache)
	api := services.NewAPI(manager, orchestrator, profile)

	app := fiber.New(fiber.Config{
		BodyLimit: 16 * 1024 * 1024,
	})
	// CORS first: preflight OPTIONS requests carry no Authorization header
	// and must be answered before the token check.
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(middleware.ServiceAuthMiddleware())

	handlers.SetupRoutes(app, api)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := services.StartScheduler(ctx, manager, orchestrator)
	if err != nil {
		log.Fatal("failed to start scheduler:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	go workers.PollPendingPayments(ctx, orchestrator, 10*time.Second)

	// One reconciliation pass right away: a restart mid-redirect is the
	// normal case, not the exception.
	go orchestrator.ResumeAll(ctx)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":5300"
	}

	go func() {
		if err := app.Listen(addr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on %s", addr)
	log.Println("✅ Pending-payment polling running (every 10s)")
	log.Println("✅ ServiceAuthMiddleware enforced globally")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
