// main package for the producer-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audio-producer/internal/app"
	"github.com/book-expert/audio-producer/internal/config"
	"github.com/book-expert/audio-producer/internal/objectstore"
	"github.com/book-expert/audio-producer/internal/worker"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "producer-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := logger.New(os.TempDir(), "producer-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	objects, err := objectstore.New(jetstreamContext, cfg.NATS.OutputObjectBucket)
	if err != nil {
		log.Error("Failed to open object store: %v", err)

		return err
	}

	producer, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		log.Error("Failed to initialize producer: %v", err)

		return err
	}

	defer func() {
		closeErr := producer.Close()
		if closeErr != nil {
			log.Error("Failed to close producer: %v", closeErr)
		}
	}()

	producerWorker, err := worker.NewNatsWorker(natsConnection, worker.Options{
		Director: producer.Director,
		Renderer: producer.Scheduler,
		Store:    producer.Store,
		Objects:  objects,
		Log:      log,
		Subjects: worker.Subjects{
			Direct: cfg.NATS.DirectSubject,
			Render: cfg.NATS.RenderSubject,
			Status: cfg.NATS.StatusSubject,
			Cancel: cfg.NATS.CancelSubject,
		},
		Bucket:          objects.Bucket(),
		DefaultVoice:    cfg.Production.DefaultVoice,
		DefaultSettings: cfg.ProjectSettings(),
		RequestTimeout:  time.Duration(cfg.NATS.RequestTimeoutSeconds) * time.Second,
		MaxRenders:      cfg.NATS.MaxConcurrentRenders,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("Producer service initialized. Listening on %s, %s, %s, %s",
		cfg.NATS.DirectSubject, cfg.NATS.RenderSubject, cfg.NATS.StatusSubject, cfg.NATS.CancelSubject)

	runErr := producerWorker.Run(ctx)
	if runErr != nil {
		log.Error("Worker stopped with error: %v", runErr)

		return runErr
	}

	log.System("Producer service stopped.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
