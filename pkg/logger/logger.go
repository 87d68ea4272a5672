package logger

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerInterface defines the methods that your logger should implement.
type LoggerInterface interface {
	Printf(format string, v ...interface{})
}

// Logger represents a logger instance.
type Logger struct {
	*log.Logger
}

// NewLogger creates a new LoggerInterface writing to a rotating log file.
func NewLogger(path string) LoggerInterface {
	return &Logger{
		Logger: log.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "", log.LstdFlags),
	}
}
