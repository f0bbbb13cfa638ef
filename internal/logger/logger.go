package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

// Initialize sets up the logger with level and format from the environment.
func Initialize() {
	Logger = logrus.New()

	var level logrus.Level
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		level = logrus.DebugLevel
	case "INFO":
		level = logrus.InfoLevel
	case "WARN":
		level = logrus.WarnLevel
	case "ERROR":
		level = logrus.ErrorLevel
	default:
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)
	Logger.SetOutput(os.Stdout)

	if os.Getenv("LOG_FORMAT") == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// GetLogger returns the configured logger instance.
func GetLogger() *logrus.Logger {
	if Logger == nil {
		Initialize()
	}
	return Logger
}

// WithJob creates a logger with job context.
func WithJob(jobID string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"job_id":    jobID,
		"component": "job_service",
	})
}

// WithService creates a logger with service context.
func WithService(serviceID string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"service_id": serviceID,
		"component":  "dispatcher",
	})
}

// WithReaper creates a logger with reaper context.
func WithReaper() *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"component": "work_reaper",
	})
}

// Log levels convenience functions (with fields)
func Debug(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Debug(msg)
}

func Info(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Info(msg)
}

func Warn(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Warn(msg)
}

func Error(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Error(msg)
}

func Fatal(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Fatal(msg)
}
