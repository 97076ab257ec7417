// Package config provides the configuration structure for the audio producer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/book-expert/audio-producer/internal/core"
)

const (
	defaultMusicBufferMS     = 2000
	defaultNarrationSpeed    = 1.0
	defaultOutputFormat      = "m4b"
	defaultDefaultVoice      = "af_nicole"
	defaultMaxAttempts       = 3
	defaultBaseDelayMS       = 1000
	defaultMaxDelayMS        = 30000
	defaultFFmpegPath        = "ffmpeg"
	defaultFFprobePath       = "ffprobe"
	defaultCacheDir          = "cache"
	defaultCompressionLevel  = 3
	defaultStorePath         = "producer.db"
	defaultHistoryLimit      = 20
	defaultWorkDir           = "work"
	defaultNarrationTimeout  = 300
	defaultSFXTimeout        = 180
	defaultMusicTimeout      = 600
	defaultMaxConcurrency    = 4
	defaultPollIntervalMS    = 2000
	defaultInferenceSteps    = 8
	defaultRequestTimeoutSec = 1800
	defaultConcurrentRenders = 2
	defaultLLMTimeoutSec     = 120
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultObjectBucket      = "AUDIO_PRODUCTIONS"
	defaultDirectSubject     = "producer.direct"
	defaultRenderSubject     = "producer.render"
	defaultStatusSubject     = "producer.status"
	defaultCancelSubject     = "producer.cancel"
)

// Backend type names understood by the provider registry.
const (
	BackendHTTP    = "http"
	BackendACEStep = "acestep"
	BackendCommand = "command"
	BackendTone    = "tone"
)

// ErrInvalidConfig is returned when a configuration value is impossible.
var ErrInvalidConfig = errors.New("invalid configuration")

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                   string `toml:"url"`
	DirectSubject         string `toml:"direct_subject"`
	RenderSubject         string `toml:"render_subject"`
	StatusSubject         string `toml:"status_subject"`
	CancelSubject         string `toml:"cancel_subject"`
	OutputObjectBucket    string `toml:"output_object_store_bucket"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	MaxConcurrentRenders  int    `toml:"max_concurrent_renders"`
}

// BackendConfig describes one concrete generation backend.
type BackendConfig struct {
	Name              string   `toml:"name"`
	Type              string   `toml:"type"`
	URL               string   `toml:"url"`
	APIKey            string   `toml:"api_key"`
	Model             string   `toml:"model"`
	AudioFormat       string   `toml:"audio_format"`
	OutputDir         string   `toml:"output_dir"`
	Command           string   `toml:"command"`
	Args              []string `toml:"args"`
	TimeoutSeconds    int      `toml:"timeout_seconds"`
	MaxConcurrency    int      `toml:"max_concurrency"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	PollIntervalMS    int      `toml:"poll_interval_ms"`
	InferenceSteps    int      `toml:"inference_steps"`
	ToneHz            int      `toml:"tone_hz"`
}

// Identity describes the settings that shape a backend's output, so cached audio from a
// differently configured backend of the same name is never reused.
func (b BackendConfig) Identity() string {
	return strings.Join([]string{
		b.Type, b.URL, b.Model, b.AudioFormat, b.Command, strings.Join(b.Args, " "),
		strconv.Itoa(b.InferenceSteps), strconv.Itoa(b.ToneHz),
	}, "|")
}

// Timeout returns the per-attempt ceiling.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ProviderConfig lists the interchangeable backends for one asset kind.
type ProviderConfig struct {
	Default  string          `toml:"default"`
	Backends []BackendConfig `toml:"backends"`
}

// ProvidersConfig groups the provider configuration per asset kind.
type ProvidersConfig struct {
	Narration ProviderConfig `toml:"narration"`
	SFX       ProviderConfig `toml:"sfx"`
	Music     ProviderConfig `toml:"music"`
}

// ForKind returns the provider configuration of one asset kind.
func (p *ProvidersConfig) ForKind(kind core.AssetKind) *ProviderConfig {
	switch kind {
	case core.KindNarration:
		return &p.Narration
	case core.KindSFX:
		return &p.SFX
	case core.KindMusic:
		return &p.Music
	default:
		return nil
	}
}

// ProductionConfig holds the render defaults applied to new projects.
type ProductionConfig struct {
	OutputFormat        string  `toml:"output_format"`
	DefaultVoice        string  `toml:"default_voice"`
	MusicBufferMS       int64   `toml:"music_buffer_ms"`
	InterBlockSilenceMS int64   `toml:"inter_block_silence_ms"`
	MusicMinMS          int64   `toml:"music_min_ms"`
	MusicMaxMS          int64   `toml:"music_max_ms"`
	NarrationSpeed      float64 `toml:"narration_speed"`
	MaxSFXCalls         int     `toml:"max_sfx_calls"`
	SingleVoice         bool    `toml:"single_voice"`
	SkipSFX             bool    `toml:"skip_sfx"`
	SkipMusic           bool    `toml:"skip_music"`
}

// RetryConfig holds the provider retry policy.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// BaseDelay returns the delay before the second attempt.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the ceiling on any single backoff.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// FFmpegConfig locates the ffmpeg tools.
type FFmpegConfig struct {
	FFmpegPath  string `toml:"ffmpeg_path"`
	FFprobePath string `toml:"ffprobe_path"`
}

// CacheConfig controls the generated-audio cache.
type CacheConfig struct {
	Dir              string `toml:"dir"`
	CompressionLevel int    `toml:"compression_level"`
	Enabled          bool   `toml:"enabled"`
}

// StoreConfig controls project persistence.
type StoreConfig struct {
	Path         string `toml:"path"`
	HistoryLimit int    `toml:"history_limit"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	WorkDir     string `toml:"work_dir"`
}

// LLMConfig points the director at an optional Ollama instance.
type LLMConfig struct {
	URL            string `toml:"url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Enabled        bool   `toml:"enabled"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Providers  ProvidersConfig  `toml:"providers"`
	Production ProductionConfig `toml:"production"`
	Retry      RetryConfig      `toml:"retry"`
	FFmpeg     FFmpegConfig     `toml:"ffmpeg"`
	Cache      CacheConfig      `toml:"cache"`
	Store      StoreConfig      `toml:"store"`
	Paths      PathsConfig      `toml:"paths"`
	LLM        LLMConfig        `toml:"llm"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// LoadFile reads configuration from an explicit TOML file.
func LoadFile(path string) (*Config, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, readErr)
	}

	return Parse(data)
}

// Parse decodes TOML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	unmarshalErr := toml.Unmarshal(data, &cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse config: %w", unmarshalErr)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, defaultNATSURL)
	setString(&c.NATS.DirectSubject, defaultDirectSubject)
	setString(&c.NATS.RenderSubject, defaultRenderSubject)
	setString(&c.NATS.StatusSubject, defaultStatusSubject)
	setString(&c.NATS.CancelSubject, defaultCancelSubject)
	setString(&c.NATS.OutputObjectBucket, defaultObjectBucket)
	setInt(&c.NATS.RequestTimeoutSeconds, defaultRequestTimeoutSec)
	setInt(&c.NATS.MaxConcurrentRenders, defaultConcurrentRenders)

	applyBackendDefaults(&c.Providers.Narration, defaultNarrationTimeout)
	applyBackendDefaults(&c.Providers.SFX, defaultSFXTimeout)
	applyBackendDefaults(&c.Providers.Music, defaultMusicTimeout)

	setString(&c.Production.OutputFormat, defaultOutputFormat)
	setString(&c.Production.DefaultVoice, defaultDefaultVoice)

	if c.Production.MusicBufferMS == 0 {
		c.Production.MusicBufferMS = defaultMusicBufferMS
	}

	if c.Production.NarrationSpeed == 0 {
		c.Production.NarrationSpeed = defaultNarrationSpeed
	}

	setInt(&c.Retry.MaxAttempts, defaultMaxAttempts)
	setInt(&c.Retry.BaseDelayMS, defaultBaseDelayMS)
	setInt(&c.Retry.MaxDelayMS, defaultMaxDelayMS)

	setString(&c.FFmpeg.FFmpegPath, defaultFFmpegPath)
	setString(&c.FFmpeg.FFprobePath, defaultFFprobePath)

	setString(&c.Cache.Dir, defaultCacheDir)
	setInt(&c.Cache.CompressionLevel, defaultCompressionLevel)

	setString(&c.Store.Path, defaultStorePath)
	setInt(&c.Store.HistoryLimit, defaultHistoryLimit)

	setString(&c.Paths.BaseLogsDir, os.TempDir())
	setString(&c.Paths.WorkDir, defaultWorkDir)

	setInt(&c.LLM.TimeoutSeconds, defaultLLMTimeoutSec)
}

func applyBackendDefaults(provider *ProviderConfig, timeoutSeconds int) {
	for index := range provider.Backends {
		backend := &provider.Backends[index]

		setString(&backend.Name, backend.Type)
		setInt(&backend.TimeoutSeconds, timeoutSeconds)
		setInt(&backend.MaxConcurrency, defaultMaxConcurrency)
		setInt(&backend.PollIntervalMS, defaultPollIntervalMS)
		setInt(&backend.InferenceSteps, defaultInferenceSteps)
	}

	if provider.Default == "" && len(provider.Backends) > 0 {
		provider.Default = provider.Backends[0].Name
	}
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	if c.Production.MusicBufferMS < 0 || c.Production.InterBlockSilenceMS < 0 {
		return fmt.Errorf("%w: negative production durations", ErrInvalidConfig)
	}

	if c.Production.MusicMaxMS > 0 && c.Production.MusicMinMS > c.Production.MusicMaxMS {
		return fmt.Errorf("%w: music_min_ms %d exceeds music_max_ms %d",
			ErrInvalidConfig, c.Production.MusicMinMS, c.Production.MusicMaxMS)
	}

	if c.Production.MaxSFXCalls < 0 {
		return fmt.Errorf("%w: max_sfx_calls must not be negative", ErrInvalidConfig)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	}

	if c.Store.HistoryLimit < 1 {
		return fmt.Errorf("%w: history_limit must be at least 1", ErrInvalidConfig)
	}

	for _, kind := range core.AllKinds() {
		provider := c.Providers.ForKind(kind)

		for _, backend := range provider.Backends {
			switch backend.Type {
			case BackendHTTP, BackendACEStep:
				if backend.URL == "" {
					return fmt.Errorf("%w: %s backend %q has no url", ErrInvalidConfig, kind, backend.Name)
				}
			case BackendCommand:
				if backend.Command == "" {
					return fmt.Errorf("%w: %s backend %q has no command", ErrInvalidConfig, kind, backend.Name)
				}
			case BackendTone:
			default:
				return fmt.Errorf("%w: %s backend %q has unknown type %q",
					ErrInvalidConfig, kind, backend.Name, backend.Type)
			}
		}
	}

	return nil
}

// ProjectSettings returns the production defaults as a project settings bag.
func (c *Config) ProjectSettings() core.Settings {
	return core.Settings{
		Backends: map[core.AssetKind]string{
			core.KindNarration: c.Providers.Narration.Default,
			core.KindSFX:       c.Providers.SFX.Default,
			core.KindMusic:     c.Providers.Music.Default,
		},
		OutputFormat:        c.Production.OutputFormat,
		MusicBufferMS:       c.Production.MusicBufferMS,
		InterBlockSilenceMS: c.Production.InterBlockSilenceMS,
		MusicMinMS:          c.Production.MusicMinMS,
		MusicMaxMS:          c.Production.MusicMaxMS,
		NarrationSpeed:      c.Production.NarrationSpeed,
		MaxSFXCalls:         c.Production.MaxSFXCalls,
		SingleVoice:         c.Production.SingleVoice,
		SkipSFX:             c.Production.SkipSFX,
		SkipMusic:           c.Production.SkipMusic,
	}
}

func setString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target == 0 {
		*target = value
	}
}
