// Package logging wires logrus into the gateway: process-level setup with
// optional file rotation, Gin middleware for request logging and panic
// recovery, and an in-memory ring buffer backing the admin log tail.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logrus logger. When file is non-empty, output
// is routed through a rotating file writer; otherwise logs go to stderr.
// The LOG_LEVEL environment variable overrides the default info level.
func Setup(file string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := log.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)

	var out io.Writer = os.Stderr
	if strings.TrimSpace(file) != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	log.SetOutput(out)

	log.AddHook(GlobalBuffer)
}
