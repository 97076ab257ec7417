// Package provider implements the generation contract shared by the narration, sound-effect
// and music backends: bounded retries with backoff, per-attempt timeouts, audio validation,
// caching and per-backend concurrency and rate caps.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/book-expert/audio-producer/internal/cache"
	"github.com/book-expert/audio-producer/internal/core"
)

// Failure classes reported on every failed attempt.
const (
	ClassBackend    = "backend"
	ClassTimeout    = "timeout"
	ClassValidation = "validation"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = time.Second
	defaultAttemptTimeout = 5 * time.Minute
	dirPermissions        = 0o750
	pathReplacement       = "_"
)

// Log messages.
const (
	logFmtAttemptFailed = "Generation attempt %d/%d failed: backend=%s kind=%s block=%s error=%s: %v"
	logFmtExhausted     = "Generation exhausted %d attempts: backend=%s kind=%s block=%s error=%s: %v"
	logFmtGenerated     = "Generated %s for block %s with %s in %d attempt(s): %s, %d ms"
	logFmtCacheHit      = "Cache hit for %s block %s (%s, %d ms)"
	logFmtCacheInvalid  = "Discarding invalid cache entry for %s block %s: %v"
	logFmtCacheStore    = "Failed to cache %s for block %s: %v"
	logFmtRetryWait     = "Retrying %s block %s with %s in %s"
)

var (
	// ErrNoBackend is returned when a provider is built without a backend.
	ErrNoBackend = errors.New("provider needs a backend")
	// ErrNoValidator is returned when a provider is built without a validator.
	ErrNoValidator = errors.New("provider needs a validator")
	// ErrNoLogger is returned when a provider is built without a logger.
	ErrNoLogger = errors.New("provider needs a logger")
)

// Backend is one concrete synthesis service. Generate writes the audio for req to dest.
type Backend interface {
	Name() string
	Extension() string
	HealthCheck(ctx context.Context) error
	Generate(ctx context.Context, req core.GenerationRequest, dest string) error
}

// Validator checks a generated file and describes it as an asset.
type Validator interface {
	Validate(ctx context.Context, path string) (core.Asset, error)
}

// AudioCache stores validated audio keyed by its generation parameters.
type AudioCache interface {
	Restore(key, dest string) (bool, error)
	Store(key, src string) error
	Delete(key string) error
}

// AttemptError describes one failed generation attempt.
type AttemptError struct {
	Err     error
	Backend string
	Kind    core.AssetKind
	Class   string
	Attempt int
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("backend=%s kind=%s attempt=%d error=%s: %v", e.Backend, e.Kind, e.Attempt, e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// RetryPolicy bounds the attempts of one generation request.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait after the given failed attempt: the base delay doubled per attempt.
func (r RetryPolicy) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		return 0
	}

	delay := r.BaseDelay << (failedAttempt - 1)
	if r.MaxDelay > 0 && (delay > r.MaxDelay || delay <= 0) {
		return r.MaxDelay
	}

	return delay
}

// Options configure a Provider.
type Options struct {
	Backend           Backend
	Validator         Validator
	Cache             AudioCache
	Log               *logger.Logger
	Kind              core.AssetKind
	WorkDir           string
	CacheVariant      string
	Retry             RetryPolicy
	Timeout           time.Duration
	MaxConcurrency    int
	RequestsPerMinute int
}

// Provider wraps a Backend with the shared generation contract.
type Provider struct {
	backend   Backend
	validator Validator
	cache     AudioCache
	log       *logger.Logger
	slots     *semaphore.Weighted
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, delay time.Duration) error
	kind      core.AssetKind
	workDir   string
	variant   string
	retry     RetryPolicy
	timeout   time.Duration
}

// New builds a provider from opts, filling in the default retry policy and timeout.
func New(opts Options) (*Provider, error) {
	switch {
	case opts.Backend == nil:
		return nil, ErrNoBackend
	case opts.Validator == nil:
		return nil, ErrNoValidator
	case opts.Log == nil:
		return nil, ErrNoLogger
	}

	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = defaultMaxAttempts
	}

	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = defaultBaseDelay
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultAttemptTimeout
	}

	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}

	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	return &Provider{
		backend:   opts.Backend,
		validator: opts.Validator,
		cache:     opts.Cache,
		log:       opts.Log,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		limiter:   limiter,
		sleep:     sleepContext,
		kind:      opts.Kind,
		workDir:   opts.WorkDir,
		variant:   opts.CacheVariant,
		retry:     opts.Retry,
		timeout:   opts.Timeout,
	}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string {
	return p.backend.Name()
}

// Kind returns the asset kind this provider generates.
func (p *Provider) Kind() core.AssetKind {
	return p.kind
}

// HealthCheck probes the backend.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.backend.HealthCheck(ctx)
}

// Generate produces one validated asset for req.
//
// Up to MaxAttempts calls are made, each bounded by the provider timeout. In-flight calls are
// detached from ctx so a cancel lets them finish; ctx only stops new attempts from starting.
// Exhaustion returns an error wrapping core.ErrGeneration and the last *AttemptError.
func (p *Provider) Generate(ctx context.Context, req core.GenerationRequest) (core.GenerationResult, error) {
	req.Kind = p.kind
	req.Backend = p.Name()
	result := core.GenerationResult{Backend: req.Backend}
	dest := p.outputPath(req)

	cacheKey := ""
	if p.cache != nil {
		cacheKey = cache.ParamsFor(req, p.variant).Key()

		asset, hit := p.fromCache(ctx, cacheKey, req, dest)
		if hit {
			result.Asset = asset
			result.CacheHit = true

			return result, nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%w: %s %s not started: %w", core.ErrRenderCancelled, p.kind, req.BlockID, ctxErr)
	}

	acquireErr := p.slots.Acquire(ctx, 1)
	if acquireErr != nil {
		return result, fmt.Errorf("%w: %s %s not started: %w", core.ErrRenderCancelled, p.kind, req.BlockID, acquireErr)
	}
	defer p.slots.Release(1)

	var lastErr *AttemptError

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.retry.Delay(attempt - 1)
			p.log.Info(logFmtRetryWait, p.kind, req.BlockID, req.Backend, delay)

			sleepErr := p.sleep(ctx, delay)
			if sleepErr != nil {
				return result, fmt.Errorf("%w: %w", core.ErrRenderCancelled, lastErr)
			}
		}

		waitErr := p.limiter.Wait(ctx)
		if waitErr != nil {
			return result, fmt.Errorf("%w: %s %s not started: %w", core.ErrRenderCancelled, p.kind, req.BlockID, waitErr)
		}

		result.Attempts = attempt

		asset, attemptErr := p.attempt(ctx, req, dest, attempt)
		if attemptErr == nil {
			p.log.Info(logFmtGenerated, p.kind, req.BlockID, req.Backend, attempt,
				humanize.Bytes(uint64(asset.SizeBytes)), asset.DurationMS)
			p.storeInCache(cacheKey, req, dest)

			result.Asset = asset

			return result, nil
		}

		lastErr = attemptErr
		p.log.Warn(logFmtAttemptFailed, attempt, p.retry.MaxAttempts, req.Backend, p.kind, req.BlockID,
			attemptErr.Class, attemptErr.Err)
	}

	p.log.Error(logFmtExhausted, p.retry.MaxAttempts, req.Backend, p.kind, req.BlockID, lastErr.Class, lastErr.Err)

	return result, fmt.Errorf("%w: %w", core.ErrGeneration, lastErr)
}

func (p *Provider) attempt(ctx context.Context, req core.GenerationRequest, dest string, attempt int) (core.Asset, *AttemptError) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	failure := func(class string, err error) *AttemptError {
		_ = os.Remove(dest)

		return &AttemptError{Err: err, Backend: req.Backend, Kind: p.kind, Class: class, Attempt: attempt}
	}

	mkdirErr := os.MkdirAll(filepath.Dir(dest), dirPermissions)
	if mkdirErr != nil {
		return core.Asset{}, failure(ClassBackend, mkdirErr)
	}

	genErr := p.backend.Generate(attemptCtx, req, dest)
	if genErr != nil {
		if errors.Is(genErr, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return core.Asset{}, failure(ClassTimeout, genErr)
		}

		return core.Asset{}, failure(ClassBackend, genErr)
	}

	asset, validateErr := p.validator.Validate(attemptCtx, dest)
	if validateErr != nil {
		return core.Asset{}, failure(ClassValidation, validateErr)
	}

	return asset, nil
}

func (p *Provider) fromCache(ctx context.Context, key string, req core.GenerationRequest, dest string) (core.Asset, bool) {
	restored, restoreErr := p.cache.Restore(key, dest)
	if restoreErr != nil || !restored {
		return core.Asset{}, false
	}

	asset, validateErr := p.validator.Validate(ctx, dest)
	if validateErr != nil {
		p.log.Warn(logFmtCacheInvalid, p.kind, req.BlockID, validateErr)

		_ = p.cache.Delete(key)
		_ = os.Remove(dest)

		return core.Asset{}, false
	}

	p.log.Info(logFmtCacheHit, p.kind, req.BlockID, humanize.Bytes(uint64(asset.SizeBytes)), asset.DurationMS)

	return asset, true
}

func (p *Provider) storeInCache(key string, req core.GenerationRequest, dest string) {
	if p.cache == nil || key == "" {
		return
	}

	storeErr := p.cache.Store(key, dest)
	if storeErr != nil {
		p.log.Warn(logFmtCacheStore, p.kind, req.BlockID, storeErr)
	}
}

// outputPath is stable per project, kind and block so a retry overwrites the previous attempt.
func (p *Provider) outputPath(req core.GenerationRequest) string {
	return filepath.Join(p.workDir, SanitizeFilename(req.ProjectID), string(p.kind),
		SanitizeFilename(req.BlockID)+p.backend.Extension())
}

// SanitizeFilename replaces characters that are invalid in most filesystems.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"<", pathReplacement,
		">", pathReplacement,
		":", pathReplacement,
		"\"", pathReplacement,
		"/", pathReplacement,
		"\\", pathReplacement,
		"|", pathReplacement,
		"?", pathReplacement,
		"*", pathReplacement,
		"..", pathReplacement,
	)

	cleaned := replacer.Replace(strings.TrimSpace(name))
	if cleaned == "" {
		return pathReplacement
	}

	return cleaned
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
