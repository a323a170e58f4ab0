package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/plotter-api/shared/logger"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	defaultURL := os.Getenv("PLOTTER_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	var (
		baseURL    = flag.String("url", defaultURL, "Plotter service base URL")
		file       = flag.String("file", "", "SVG file to upload")
		layer      = flag.String("layer", "", "Project layer id; uploads the layer instead of submitting a job")
		name       = flag.String("name", "", "Job name (defaults to the file name)")
		desc       = flag.String("description", "", "Job description")
		priority   = flag.Int("priority", 1, "Job priority, higher runs first")
		overrides  = flag.String("config", "", "Plotter option overrides as a JSON object")
		chunkSize  = flag.Int64("chunk-size", 5<<20, "Chunk size in bytes")
		threshold  = flag.Int64("threshold", 100<<20, "Files of at least this many bytes are sent in chunks")
		retries    = flag.Int("retries", 3, "Retries per request")
		retryDelay = flag.Duration("retry-delay", time.Second, "Delay before the first retry, doubled after each")
		level      = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	if *file == "" {
		flag.Usage()
		return errors.New("-file is required")
	}
	if *chunkSize <= 0 {
		return errors.New("-chunk-size must be greater than 0")
	}

	opts := JobOptions{Name: *name, Description: *desc, Priority: *priority}
	if *overrides != "" {
		if err := json.Unmarshal([]byte(*overrides), &opts.ConfigOverrides); err != nil {
			return fmt.Errorf("invalid -config: %w", err)
		}
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      *level,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.Kitchen,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u := newUploader(*baseURL, *chunkSize, *threshold, *retries, *retryDelay, appLogger.Logger)

	if err := u.health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	result, err := u.Upload(ctx, *file, *layer, opts)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	appLogger.Info("Upload complete", slog.Any("response", result))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
