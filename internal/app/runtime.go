// Package app builds the production stack shared by the service and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/assembly"
	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/cache"
	"github.com/book-expert/audio-producer/internal/config"
	"github.com/book-expert/audio-producer/internal/director"
	"github.com/book-expert/audio-producer/internal/pipeline"
	"github.com/book-expert/audio-producer/internal/provider"
	"github.com/book-expert/audio-producer/internal/store"
)

const (
	rendersDir = "renders"

	logFmtCacheEnabled  = "Audio cache enabled at %s (zstd level %d)"
	logFmtLLMEnabled    = "Director language model %s at %s"
	logFmtLLMDown       = "Director language model unavailable, scripts fall back to speaker lists: %v"
	logFmtStoreOpened   = "Project store opened at %s"
	logFmtRuntimeClosed = "Runtime closed"

	reasonLLMDisabled = "language model disabled, scripts use speaker lists"
	reasonLLMNoURL    = "language model enabled without a url"
)

// ErrNilConfig is returned when New is called without configuration.
var ErrNilConfig = errors.New("configuration is required")

// DirectorStatus reports whether the director drafts bibles and scenes with the
// language model, and why not when it does not.
type DirectorStatus struct {
	Model     string
	URL       string
	Reason    string
	Enabled   bool
	Available bool
}

// Runtime owns every long-lived component of a producer process.
type Runtime struct {
	Config         *config.Config
	Store          *store.Store
	Cache          *cache.Disk
	Providers      *provider.Registry
	Director       *director.Director
	Scheduler      *pipeline.Scheduler
	log            *logger.Logger
	DirectorStatus DirectorStatus
}

// New opens the store and cache, initializes every configured provider and wires the
// scheduler. Provider initialization failures are recorded in the registry, not returned.
// A nil runner executes the real ffmpeg tools.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, runner audio.Runner) (*Runtime, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if runner == nil {
		runner = audio.ExecRunner{}
	}

	db, err := store.Open(ctx, cfg.Store.Path, cfg.Store.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open project store: %w", err)
	}

	log.Info(logFmtStoreOpened, db.Path())

	producer := &Runtime{Config: cfg, Store: db, log: log}

	deps := provider.Dependencies{Runner: runner, Log: log}

	prober := audio.NewFFprobe(runner, cfg.FFmpeg.FFprobePath)
	validator := audio.NewValidator(prober)
	deps.Validator = validator

	if cfg.Cache.Enabled {
		disk, cacheErr := cache.New(cfg.Cache.Dir, cfg.Cache.CompressionLevel)
		if cacheErr != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to open audio cache: %w", cacheErr)
		}

		log.Info(logFmtCacheEnabled, cfg.Cache.Dir, cfg.Cache.CompressionLevel)

		producer.Cache = disk
		deps.Cache = disk
	}

	producer.Providers = provider.FromConfig(ctx, cfg, deps)
	drafter, drafterStatus := newDrafter(ctx, cfg, log)
	producer.Director = director.New(drafter, log)
	producer.DirectorStatus = drafterStatus

	engine := assembly.NewEngine(
		assembly.NewFFmpegMixer(runner, cfg.FFmpeg.FFmpegPath),
		prober,
		validator,
		filepath.Join(cfg.Paths.WorkDir, rendersDir),
		log,
	)

	scheduler, err := pipeline.New(pipeline.Options{
		Providers:    producer.Providers,
		Assembler:    engine,
		Store:        db,
		Log:          log,
		DefaultVoice: cfg.Production.DefaultVoice,
	})
	if err != nil {
		_ = producer.Close()

		return nil, err
	}

	producer.Scheduler = scheduler

	return producer, nil
}

// newDrafter returns the language model client when one is enabled and reachable, along
// with the status explaining the outcome. A nil drafter means the director plans from
// script markup alone.
func newDrafter(ctx context.Context, cfg *config.Config, log *logger.Logger) (director.Drafter, DirectorStatus) {
	status := DirectorStatus{Model: cfg.LLM.Model, URL: cfg.LLM.URL, Enabled: cfg.LLM.Enabled}

	switch {
	case !cfg.LLM.Enabled:
		status.Reason = reasonLLMDisabled

		return nil, status
	case cfg.LLM.URL == "":
		status.Reason = reasonLLMNoURL
		log.Warn(logFmtLLMDown, status.Reason)

		return nil, status
	}

	client := director.NewLLMClient(cfg.LLM.URL, cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)

	availableErr := client.Available(ctx)
	if availableErr != nil {
		status.Reason = availableErr.Error()
		log.Warn(logFmtLLMDown, availableErr)

		return nil, status
	}

	status.Available = true
	log.Info(logFmtLLMEnabled, cfg.LLM.Model, cfg.LLM.URL)

	return client, status
}

// Close releases the store and cache.
func (r *Runtime) Close() error {
	var errs []error

	if r.Cache != nil {
		errs = append(errs, r.Cache.Close())
	}

	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}

	r.log.Info(logFmtRuntimeClosed)

	return errors.Join(errs...)
}
