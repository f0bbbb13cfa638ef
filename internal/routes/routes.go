package routes

import (
	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/controllers"
	"github.com/asjohnston-asf/harmony/internal/metrics"
	"github.com/asjohnston-asf/harmony/internal/middleware"
	"github.com/asjohnston-asf/harmony/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRoutes configures all application routes
func SetupRoutes(r *gin.Engine, db *gorm.DB, servicesConfig *config.ServicesConfig) {
	urlRoot := config.GetEnv("URL_ROOT", "")

	// Initialize services
	jobService := services.NewJobService(db)
	userWorkService := services.NewUserWorkService(db)
	lifecycleService := services.NewJobLifecycleService(db, jobService, userWorkService, servicesConfig)
	dispatcherService := services.NewDispatcherService(db, jobService, userWorkService)

	// Initialize controllers
	authController := controllers.NewAuthController(db)
	jobController := controllers.NewJobController(db, jobService, lifecycleService, urlRoot)
	workController := controllers.NewWorkController(dispatcherService)

	r.GET("/metrics", metrics.Handler())

	// API routes
	api := r.Group("/api/v1")
	{
		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/login", authController.Login)
			auth.POST("/register", authController.Register)
		}

		// Protected routes
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			// Jobs
			jobs := protected.Group("/jobs")
			{
				jobs.POST("", jobController.CreateJob)
				jobs.GET("", jobController.GetJobs)
				jobs.GET("/:jobID", jobController.GetJob)
				jobs.GET("/:jobID/errors", jobController.GetJobErrors)
				jobs.POST("/:jobID/pause", jobController.PauseJob)
				jobs.POST("/:jobID/resume", jobController.ResumeJob)
				jobs.POST("/:jobID/skip-preview", jobController.SkipPreview)
				jobs.POST("/:jobID/cancel", jobController.CancelJob)
				jobs.POST("/:jobID/labels", jobController.AddLabels)
				jobs.DELETE("/:jobID/labels", jobController.RemoveLabels)
			}

			// Service worker surface
			service := protected.Group("/service")
			{
				service.GET("/work", workController.GetWork)
				service.POST("/work/:itemID/complete", workController.CompleteWork)
				service.GET("/backlog", workController.GetServiceBacklog)
			}
		}
	}
}
