package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hannes/yaak-extract/config"
	detectors "github.com/hannes/yaak-extract/pii/detectors"
	"github.com/hannes/yaak-extract/server"
)

var version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "piiextract",
	Short: "PII extraction service backed by a remote model with a local fallback",
	Long: `piiextract serves POST /api/extract, which finds PII spans in text using a
remote GLiNER inference backend. When the backend is unavailable the local
pattern detector is used instead and the response says so in method_used.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvFile,
	RunE:              runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  runServe,
}

var detectCmd = &cobra.Command{
	Use:   "detect [text]",
	Short: "Run the local pattern detector on text or stdin and print JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDetect,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to .env file (default: ./.env if present)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnvFile loads the .env file named by --env-file, or ./.env if it exists
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		log.Printf("Loaded .env file from %s", envFile)
		return nil
	}

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file from current directory")
	} else {
		log.Printf("Note: .env file not found or could not be loaded: %v", err)
	}
	return nil
}

// loadConfig layers the config file and environment on top of the defaults
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	// Override configuration with environment variables
	config.LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	closeLog := setupLogging(cfg.Logging)
	defer closeLog()

	flushSentry := setupSentry(cfg.Sentry)
	defer flushSentry()

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		log.Println("✅ Server stopped")
		return nil
	}
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var text string
	if len(args) == 1 {
		text = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\r\n")
	}

	detector, err := detectors.NewDetector(cfg.FallbackDetector, nil)
	if err != nil {
		return err
	}
	defer func() { _ = detector.Close() }()

	output, err := detector.Detect(cmd.Context(), detectors.DetectorInput{Text: text})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
