package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"teleconsult-server/internal/config"
	"teleconsult-server/internal/handlers"
	"teleconsult-server/internal/middleware"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/repository"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

// Services bundles what the handlers are built from.
type Services struct {
	DB           *gorm.DB
	Appointments *services.AppointmentService
	Sessions     *services.SessionService
	Credits      *services.CreditLedger
	Wallets      *services.WalletLedger
}

// SetupRoutes configures the application routes.
func SetupRoutes(router *gin.Engine, svc Services, cfg *config.Config, logger *zap.Logger) {
	appointmentHandler := handlers.NewAppointmentHandler(svc.Appointments)
	sessionHandler := handlers.NewSessionHandler(svc.Sessions)
	subscriptionHandler := handlers.NewSubscriptionHandler(svc.Credits)
	walletHandler := handlers.NewWalletHandler(svc.Wallets)
	userHandler := handlers.NewUserHandler(repository.NewUserRepository(svc.DB))

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	router.Use(middleware.RequestID(), middleware.Logging(logger))

	public := router.Group("/api/v1")
	public.Use(limiter.Limit())
	{
		public.GET("/plans", subscriptionHandler.ListPlans)
	}

	private := router.Group("/api/v1")
	private.Use(limiter.Limit(), middleware.AuthMiddleware(cfg))
	{
		private.GET("/users/doctors", userHandler.GetDoctors)

		appointmentRoutes := private.Group("/appointments")
		{
			appointmentRoutes.POST("", middleware.RoleAuthMiddleware(models.RolePatient, models.RoleAdmin), appointmentHandler.CreateAppointment)
			appointmentRoutes.GET("", appointmentHandler.GetAppointmentsForUser)
			appointmentRoutes.GET("/:id", appointmentHandler.GetAppointmentByID)
			appointmentRoutes.GET("/:id/history", appointmentHandler.GetAppointmentHistory)
			appointmentRoutes.PATCH("/:id/status", appointmentHandler.UpdateAppointmentStatus)
			appointmentRoutes.PATCH("/:id", appointmentHandler.RescheduleAppointment)
			appointmentRoutes.DELETE("/:id", middleware.RoleAuthMiddleware(models.RoleDoctor), appointmentHandler.DeleteAppointment)
		}

		sessionRoutes := private.Group("/session")
		{
			sessionRoutes.POST("/start", sessionHandler.StartSession)
			sessionRoutes.POST("/heartbeat", sessionHandler.Heartbeat)
			sessionRoutes.POST("/end", sessionHandler.EndSession)
			sessionRoutes.GET("/:id", sessionHandler.GetSession)
		}

		subscriptionRoutes := private.Group("/subscription")
		subscriptionRoutes.Use(middleware.RoleAuthMiddleware(models.RolePatient))
		{
			subscriptionRoutes.GET("", subscriptionHandler.GetSubscription)
			subscriptionRoutes.POST("/purchase", subscriptionHandler.Purchase)
		}

		walletRoutes := private.Group("/wallet")
		walletRoutes.Use(middleware.RoleAuthMiddleware(models.RoleDoctor))
		{
			walletRoutes.GET("", walletHandler.GetWallet)
			walletRoutes.GET("/transactions", walletHandler.GetTransactions)
			walletRoutes.POST("/withdraw", walletHandler.Withdraw)
		}

		adminRoutes := private.Group("/admin")
		adminRoutes.Use(middleware.RoleAuthMiddleware(models.RoleAdmin))
		{
			adminRoutes.PUT("/users/:id", userHandler.SyncUser)
			adminRoutes.POST("/plans", subscriptionHandler.CreatePlan)
			adminRoutes.POST("/wallet/transactions/:id/complete", walletHandler.CompleteWithdrawal)
			adminRoutes.POST("/wallet/transactions/:id/fail", walletHandler.FailWithdrawal)
			adminRoutes.GET("/wallet/audit", walletHandler.AuditWallets)
		}
	}

	// Simple health check endpoint
	router.GET("/health", func(c *gin.Context) {
		sqlDB, err := svc.DB.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			utils.Error(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		utils.Success(c, "ok", gin.H{"database": "UP"})
	})
}
