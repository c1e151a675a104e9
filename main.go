package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"challenge-settlement-system/handlers"
	"challenge-settlement-system/middleware"
	"challenge-settlement-system/models"
	"challenge-settlement-system/services"
	"challenge-settlement-system/utils"
	"challenge-settlement-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.EscrowRecord{},
		&models.AdminAttestation{},
		&models.LedgerSubmission{},
		&models.PayoutJob{},
		&models.PayoutEntry{},
		&models.Notification{},
		&models.NotificationSendRecord{},
		&models.UserMirror{},
		&models.WalletMirror{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// Redis backs the notification per-minute cap. The dispatcher fails open
	// without it, so a missing REDIS_URL only logs a warning.
	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL: ", err)
		}
		rdb = redis.NewClient(opts)
	} else {
		log.Println("⚠️  REDIS_URL not set — notification rate cap disabled (fail open)")
	}

	notificationService := services.NewNotificationService(db, rdb)
	escrowService := services.NewEscrowService(db)
	attestationService := services.NewAttestationService(db)
	ledgerGateway := services.NewLedgerGateway(db)
	payoutService := services.NewPayoutService(db, ledgerGateway, notificationService)
	settlementService := services.NewSettlementService(db, escrowService, attestationService, ledgerGateway, payoutService, notificationService)
	challengeService := services.NewChallengeService(db, escrowService, ledgerGateway, notificationService)

	// --- Sync workers: user and wallet mirrors ---
	syncServiceURL := os.Getenv("SYNC_SERVICE_URL")
	if syncServiceURL == "" {
		log.Fatal("SYNC_SERVICE_URL environment variable not set")
	}
	serviceToken := os.Getenv("SETTLEMENT_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal("SETTLEMENT_SERVICE_TOKEN environment variable not set")
	}

	userSyncWorker := workers.NewUserSyncWorker(db, syncServiceURL, "/api/v1/public/profiles", serviceToken)
	walletSyncClient := workers.NewWalletSyncClient(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go workers.PollWallets(ctx, walletSyncClient, 10*time.Second)
	go func() {
		log.Println("Starting User Sync Worker...")
		userSyncWorker.Start(ctx)
	}()

	settlementService.StartScheduler()

	// ✅ Setup routes — enforced Gateway auth + consistent /s/ prefix
	handlers.SetupChallengeRoutes(app, challengeService)
	handlers.SetupSettlementRoutes(app, settlementService)
	handlers.SetupPayoutRoutes(app, payoutService)
	handlers.SetupNotificationRoutes(app, notificationService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ User Sync Worker running")
	log.Println("✅ Wallet polling running (every 10s)")
	log.Println("✅ Settlement scheduler running (resume / drain / prune / audit)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
