package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/db"
	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/asjohnston-asf/harmony/internal/services"
	"github.com/joho/godotenv"
)

// Standalone work reaper process for deployments that keep cleanup off the
// API nodes.
func main() {
	logger.Initialize()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables", nil)
	}

	db.Connect()

	userWorkService := services.NewUserWorkService(db.DB)
	reaper := services.NewReaperService(db.DB, userWorkService, config.LoadReaperConfig())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan
		reaper.Stop()
	}()

	reaper.Start()
}
