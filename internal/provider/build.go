package provider

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/config"
	"github.com/book-expert/audio-producer/internal/core"
)

// ErrUnknownBackendType is returned for backend types the registry cannot build.
var ErrUnknownBackendType = errors.New("unknown backend type")

// Dependencies are the collaborators shared by every provider built from configuration.
type Dependencies struct {
	Validator Validator
	Cache     AudioCache
	Runner    audio.Runner
	Log       *logger.Logger
}

// NewBackend builds the backend described by cfg.
func NewBackend(cfg config.BackendConfig, runner audio.Runner) (Backend, error) {
	switch cfg.Type {
	case config.BackendHTTP:
		return NewHTTPBackend(HTTPBackendConfig{
			Name:    cfg.Name,
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Format:  cfg.AudioFormat,
			Timeout: cfg.Timeout(),
		}), nil
	case config.BackendACEStep:
		return NewACEStepBackend(ACEStepConfig{
			Name:           cfg.Name,
			BaseURL:        cfg.URL,
			APIKey:         cfg.APIKey,
			OutputDir:      cfg.OutputDir,
			Format:         cfg.AudioFormat,
			Timeout:        cfg.Timeout(),
			PollInterval:   time.Duration(cfg.PollIntervalMS) * time.Millisecond,
			InferenceSteps: cfg.InferenceSteps,
		}), nil
	case config.BackendCommand:
		return NewCommandBackend(CommandConfig{
			Runner:  runner,
			Name:    cfg.Name,
			Command: cfg.Command,
			Format:  cfg.AudioFormat,
			Args:    cfg.Args,
		})
	case config.BackendTone:
		return NewToneBackend(cfg.Name, cfg.ToneHz), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackendType, cfg.Type)
	}
}

// FromConfig initializes every configured backend and returns the registry of their
// availability. Initialization failures never abort: they are recorded and logged loudly.
func FromConfig(ctx context.Context, cfg *config.Config, deps Dependencies) *Registry {
	registry := NewRegistry(deps.Log)
	retry := RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
	}

	for _, kind := range core.AllKinds() {
		providerCfg := cfg.Providers.ForKind(kind)

		for _, backendCfg := range providerCfg.Backends {
			backend, backendErr := NewBackend(backendCfg, deps.Runner)
			if backendErr != nil {
				registry.MarkUnavailable(kind, backendCfg.Name, backendErr)

				continue
			}

			registry.Register(ctx, Options{
				Backend:           backend,
				Validator:         deps.Validator,
				Cache:             deps.Cache,
				Log:               deps.Log,
				Kind:              kind,
				WorkDir:           filepath.Join(cfg.Paths.WorkDir, "assets"),
				CacheVariant:      backendCfg.Identity(),
				Retry:             retry,
				Timeout:           backendCfg.Timeout(),
				MaxConcurrency:    backendCfg.MaxConcurrency,
				RequestsPerMinute: backendCfg.RequestsPerMinute,
			})
		}

		if providerCfg.Default != "" {
			registry.SetDefault(kind, providerCfg.Default)
		}
	}

	registry.ReportMissing()

	return registry
}
