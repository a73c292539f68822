package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"teleconsult-server/internal/cache"
	"teleconsult-server/internal/config"
	"teleconsult-server/internal/logger"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/notify"
	"teleconsult-server/internal/routes"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/worker"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	zapLogger, err := logger.NewZapLogger(cfg)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid APP_TIMEZONE %q: %w", cfg.Timezone, err)
	}

	clock := clockwork.NewRealClock()

	dbConfig := models.DatabaseConfig{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		LogLevel: gormlogger.Warn,
	}
	if cfg.Database.Driver == "sqlite" {
		dbConfig.MaxOpenConns = 1
	}
	db, err := models.InitDB(dbConfig, clock)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}

	var (
		locker   cache.Locker        = cache.NewLocalLocker(clock)
		snapshot cache.SnapshotStore = cache.NopSnapshot{}
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = cache.NewRedisLocker(redisClient, zapLogger)
		snapshot = cache.NewRedisSnapshot(redisClient, 24*time.Hour)
		zapLogger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var (
		publisher notify.Publisher = notify.LogPublisher{Log: zapLogger}
		amqpConn  *amqp.Connection
	)
	if cfg.RabbitMQ.URL != "" {
		amqpConn, err = amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer amqpConn.Close()
		amqpPublisher, err := notify.NewAMQPPublisher(amqpConn, cfg.RabbitMQ.ActivityExchange, zapLogger)
		if err != nil {
			return err
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	dispatcher := notify.NewDispatcher(publisher, 256, zapLogger)
	dispatcher.Start()
	defer dispatcher.Stop()

	appointments := services.NewAppointmentService(db, clock, location, dispatcher, zapLogger)
	credits := services.NewCreditLedger(db, clock, cfg.Subscription, dispatcher, zapLogger)
	wallets := services.NewWalletLedger(db, clock, cfg.Wallet, dispatcher, zapLogger)
	sessions := services.NewSessionService(db, clock, cfg.Session, appointments, wallets, dispatcher, zapLogger)
	appointments.UseSnapshots(snapshot)
	sessions.UseSnapshots(snapshot)

	if amqpConn != nil {
		consumer, err := notify.NewPlanConsumer(amqpConn, cfg.RabbitMQ.PlanActivatedQueue, credits, zapLogger)
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				zapLogger.Error("plan consumer stopped", zap.Error(err))
			}
		}()
	}

	reconciler := worker.NewReconciler(cfg.Reconcile, clock, locker, snapshot, appointments, sessions, credits, wallets, zapLogger)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Stop()

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Origin}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	routes.SetupRoutes(router, routes.Services{
		DB:           db,
		Appointments: appointments,
		Sessions:     sessions,
		Credits:      credits,
		Wallets:      wallets,
	}, cfg, zapLogger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLogger.Info("server running", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
