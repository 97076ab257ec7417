// Package config_test tests the configuration loading for the audio producer.
package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/config"
	"github.com/book-expert/audio-producer/internal/core"
)

const fullConfig = `
[nats]
url = "nats://127.0.0.1:4222"
render_subject = "audio.render"
output_object_store_bucket = "RENDERS"

[providers.narration]
default = "kokoro"

[[providers.narration.backends]]
name = "kokoro"
type = "http"
url = "http://localhost:8880"
timeout_seconds = 240
max_concurrency = 2

[[providers.sfx.backends]]
name = "audiogen"
type = "http"
url = "http://localhost:8881"
requests_per_minute = 30

[[providers.sfx.backends]]
name = "beep"
type = "tone"

[[providers.music.backends]]
name = "ace"
type = "acestep"
url = "http://localhost:8001"
inference_steps = 27

[production]
music_buffer_ms = 1500
inter_block_silence_ms = 250
max_sfx_calls = 10
output_format = "mp3"

[store]
history_limit = 5
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	err := toml.Unmarshal([]byte(fullConfig), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "audio.render", cfg.NATS.RenderSubject)
	assert.Equal(t, "RENDERS", cfg.NATS.OutputObjectBucket)
	require.Len(t, cfg.Providers.SFX.Backends, 2)
	assert.Equal(t, "beep", cfg.Providers.SFX.Backends[1].Name)
	assert.Equal(t, 27, cfg.Providers.Music.Backends[0].InferenceSteps)
	assert.Equal(t, int64(1500), cfg.Production.MusicBufferMS)
	assert.Equal(t, 5, cfg.Store.HistoryLimit)
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "producer.direct", cfg.NATS.DirectSubject)
	assert.Equal(t, 2, cfg.NATS.MaxConcurrentRenders)
	assert.Equal(t, "audiogen", cfg.Providers.SFX.Default)
	assert.Equal(t, "ace", cfg.Providers.Music.Default)
	assert.Equal(t, 240, cfg.Providers.Narration.Backends[0].TimeoutSeconds)
	assert.Equal(t, 180, cfg.Providers.SFX.Backends[0].TimeoutSeconds)
	assert.Equal(t, 600, cfg.Providers.Music.Backends[0].TimeoutSeconds)
	assert.Equal(t, 4, cfg.Providers.SFX.Backends[0].MaxConcurrency)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "ffprobe", cfg.FFmpeg.FFprobePath)
	assert.Equal(t, "af_nicole", cfg.Production.DefaultVoice)
	assert.InEpsilon(t, 1.0, cfg.Production.NarrationSpeed, 0.001)
}

func TestParseDefaultsBufferWhenOmitted(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`[production]
output_format = "wav"
`))
	require.NoError(t, err)

	assert.Equal(t, int64(2000), cfg.Production.MusicBufferMS)
	assert.Equal(t, 20, cfg.Store.HistoryLimit)
}

func TestValidateRejectsImpossibleValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		toml string
	}{
		{
			name: "negative silence",
			toml: "[production]\ninter_block_silence_ms = -1\n",
		},
		{
			name: "inverted music clamp",
			toml: "[production]\nmusic_min_ms = 9000\nmusic_max_ms = 1000\n",
		},
		{
			name: "http backend without url",
			toml: "[[providers.narration.backends]]\nname = \"x\"\ntype = \"http\"\n",
		},
		{
			name: "command backend without command",
			toml: "[[providers.narration.backends]]\nname = \"local\"\ntype = \"command\"\n",
		},
		{
			name: "unknown backend type",
			toml: "[[providers.music.backends]]\nname = \"x\"\ntype = \"midi\"\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse([]byte(tc.toml))
			require.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "project.toml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mp3", cfg.Production.OutputFormat)

	_, missingErr := config.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, missingErr)
}

func TestProjectSettings(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	settings := cfg.ProjectSettings()

	assert.Equal(t, "kokoro", settings.Backend(core.KindNarration))
	assert.Equal(t, "audiogen", settings.Backend(core.KindSFX))
	assert.Equal(t, int64(1500), settings.MusicBufferMS)
	assert.Equal(t, int64(250), settings.InterBlockSilenceMS)
	assert.Equal(t, 10, settings.MaxSFXCalls)
	assert.Equal(t, "mp3", settings.OutputFormat)
}

func TestBackendIdentity(t *testing.T) {
	t.Parallel()

	base := config.BackendConfig{Name: "kokoro", Type: config.BackendHTTP, URL: "http://tts", Model: "v1"}

	tuned := base
	tuned.MaxConcurrency = 8
	assert.Equal(t, base.Identity(), tuned.Identity())

	changes := map[string]func(b *config.BackendConfig){
		"model":  func(b *config.BackendConfig) { b.Model = "v2" },
		"url":    func(b *config.BackendConfig) { b.URL = "http://tts-2" },
		"format": func(b *config.BackendConfig) { b.AudioFormat = "mp3" },
		"args":   func(b *config.BackendConfig) { b.Args = []string{"--fast"} },
	}

	for name, change := range changes {
		changed := base
		change(&changed)
		assert.NotEqual(t, base.Identity(), changed.Identity(), name)
	}
}
