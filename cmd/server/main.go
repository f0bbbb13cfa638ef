package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/db"
	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/asjohnston-asf/harmony/internal/middleware"
	"github.com/asjohnston-asf/harmony/internal/routes"
	"github.com/asjohnston-asf/harmony/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Initialize logger first
	logger.Initialize()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables", nil)
	}

	// Connect to database
	db.Connect()
	db.AutoMigrate()

	// Load service chain configuration
	servicesConfig, err := config.LoadServices(config.GetEnv("SERVICES_CONFIG", "services.yml"))
	if err != nil {
		logger.Fatal("Failed to load services config", map[string]interface{}{"error": err.Error()})
	}

	// Start the work reaper alongside the API unless it runs standalone
	var reaper *services.ReaperService
	if config.GetBoolEnv("START_WORK_REAPER", true) {
		userWorkService := services.NewUserWorkService(db.DB)
		reaper = services.NewReaperService(db.DB, userWorkService, config.LoadReaperConfig())
		go reaper.Start()
	}

	// Set Gin mode
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.RequestLogger())
	r.Use(gin.Recovery())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		statusCode := http.StatusOK
		sqlDB, err := db.DB.DB()
		if err != nil || sqlDB.Ping() != nil {
			dbStatus = "error"
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, gin.H{
			"status":    dbStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Setup routes
	routes.SetupRoutes(r, db.DB, servicesConfig)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	logger.Info("Starting Harmony job orchestrator", map[string]interface{}{
		"port":     port,
		"gin_mode": gin.Mode(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Info("Shutting down server gracefully...", nil)
	if reaper != nil {
		reaper.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.Info("Server exited gracefully", nil)
	}
}
