package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// ParseLevel maps LOG_LEVEL values to logrus levels, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel overrides the level picked up from the environment.
func SetLevel(level string) {
	logger.SetLevel(ParseLevel(level))
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
