package main

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hannes/yaak-extract/config"
)

// setupLogging sends the standard logger to stderr and, when configured, a
// rotating log file. The returned func restores stderr and closes the file.
func setupLogging(cfg config.LoggingConfig) func() {
	if cfg.LogFile == "" {
		return func() {}
	}

	fileLog := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, fileLog))
	log.Printf("Logging to %s", cfg.LogFile)

	return func() {
		log.SetOutput(os.Stderr)
		if err := fileLog.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}

// setupSentry enables error reporting when a DSN is configured. The returned
// func flushes buffered events.
func setupSentry(cfg config.SentryConfig) func() {
	if cfg.DSN == "" {
		return func() {}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          "piiextract@" + version,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		return func() {}
	}
	log.Println("✅ Sentry error reporting enabled")

	return func() {
		sentry.Flush(2 * time.Second)
	}
}
