package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/estimate"
	"github.com/book-expert/audio-producer/internal/provider"
)

const testToneMS = 1500

func probe(t *testing.T, path string) core.AudioInfo {
	t.Helper()

	info, err := audio.WAVProber{}.Probe(context.Background(), path)
	require.NoError(t, err)

	return info
}

func TestHTTPBackend_Generate(t *testing.T) {
	t.Parallel()

	var received provider.SynthesisRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate/speech", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.Tone(testToneMS, 330, 8000, 1))
	}))
	defer server.Close()

	backend := provider.NewHTTPBackend(provider.HTTPBackendConfig{
		Name: "kokoro", BaseURL: server.URL + "/", APIKey: "secret", Model: "kokoro-v1", Timeout: time.Second,
	})
	assert.Equal(t, ".wav", backend.Extension())

	dest := filepath.Join(t.TempDir(), "b1.wav")
	err := backend.Generate(context.Background(), core.GenerationRequest{
		Kind: core.KindNarration, Text: "Hello there.", VoiceID: "af_sky", Style: "calm", Speed: 1.1,
	}, dest)
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", received.Text)
	assert.Equal(t, "af_sky", received.Voice)
	assert.Equal(t, "calm", received.Style)
	assert.Equal(t, "kokoro-v1", received.Model)
	assert.Equal(t, "wav", received.ResponseFormat)
	assert.InDelta(t, 1.1, received.Speed, 0.001)
	assert.Equal(t, int64(testToneMS), probe(t, dest).DurationMS)
}

func TestHTTPBackend_RoutesLayersByKind(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload provider.SynthesisRequest

		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "rain on a tin roof", payload.Description)
		assert.InDelta(t, 33.0, payload.DurationSeconds, 0.001)

		paths <- r.URL.Path

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(audio.Tone(500, 0, 8000, 2))
	}))
	defer server.Close()

	backend := provider.NewHTTPBackend(provider.HTTPBackendConfig{Name: "foley", BaseURL: server.URL, Timeout: time.Second})
	dir := t.TempDir()

	for _, kind := range []core.AssetKind{core.KindSFX, core.KindMusic} {
		err := backend.Generate(context.Background(), core.GenerationRequest{
			Kind: kind, Description: "rain on a tin roof", TargetDurationMS: 33000,
		}, filepath.Join(dir, string(kind)+".wav"))
		require.NoError(t, err)
	}

	assert.Equal(t, "/v1/generate/sfx", <-paths)
	assert.Equal(t, "/v1/generate/music", <-paths)
}

func TestHTTPBackend_Failures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/html"):
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case strings.HasPrefix(r.URL.Path, "/empty"):
			w.Header().Set("Content-Type", "audio/wav")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"voice not found","error_code":"E_VOICE"}`))
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.wav")
	narration := core.GenerationRequest{Kind: core.KindNarration, Text: "Hi."}

	structured := provider.NewHTTPBackend(provider.HTTPBackendConfig{Name: "x", BaseURL: server.URL, Timeout: time.Second})
	err := structured.Generate(context.Background(), narration, dest)
	require.ErrorContains(t, err, "voice not found")
	require.ErrorContains(t, err, "E_VOICE")

	html := provider.NewHTTPBackend(provider.HTTPBackendConfig{Name: "x", BaseURL: server.URL + "/html"})
	require.ErrorContains(t, html.Generate(context.Background(), narration, dest), "unexpected content type")

	empty := provider.NewHTTPBackend(provider.HTTPBackendConfig{Name: "x", BaseURL: server.URL + "/empty"})
	require.ErrorIs(t, empty.Generate(context.Background(), narration, dest), provider.ErrEmptyAudio)

	require.ErrorIs(t, structured.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindNarration, Text: "  "}, dest), provider.ErrEmptyText)
	require.ErrorIs(t, structured.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindSFX}, dest), provider.ErrEmptyDescription)
}

func TestHTTPBackend_HealthCheck(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	ctx := context.Background()

	require.NoError(t, provider.NewHTTPBackend(provider.HTTPBackendConfig{BaseURL: healthy.URL}).HealthCheck(ctx))
	require.ErrorContains(t,
		provider.NewHTTPBackend(provider.HTTPBackendConfig{BaseURL: unhealthy.URL}).HealthCheck(ctx), "503")
}

func newACEStepServer(t *testing.T, finalStatus int, audioHandler http.HandlerFunc) (*httptest.Server, *provider.MusicTaskRequest) {
	t.Helper()

	var (
		polls     atomic.Int32
		submitted provider.MusicTaskRequest
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/release_task", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		_, _ = w.Write([]byte(`{"code":200,"data":{"task_id":"task-7"}}`))
	})
	mux.HandleFunc("/query_result", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"code":200,"data":[{"task_id":"task-7","status":0}]}`))

			return
		}

		result, _ := json.Marshal([]map[string]any{{"file": "/v1/audio?path=outputs/task-7/0.wav", "status": 1}})
		body, _ := json.Marshal(map[string]any{
			"code": 200,
			"data": []map[string]any{{"task_id": "task-7", "status": finalStatus, "result": string(result)}},
		})
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/v1/audio", audioHandler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, &submitted
}

func TestACEStepBackend_GenerateDownloads(t *testing.T) {
	t.Parallel()

	server, submitted := newACEStepServer(t, 1, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "outputs/task-7/0.wav", r.URL.Query().Get("path"))
		_, _ = w.Write(audio.Tone(2000, 110, 8000, 2))
	})

	backend := provider.NewACEStepBackend(provider.ACEStepConfig{
		Name: "acestep", BaseURL: server.URL, Format: "wav", Timeout: time.Second,
		PollInterval: 5 * time.Millisecond, InferenceSteps: 8,
	})
	require.NoError(t, backend.HealthCheck(context.Background()))

	dest := filepath.Join(t.TempDir(), "music.wav")
	err := backend.Generate(context.Background(), core.GenerationRequest{
		Kind: core.KindMusic, Description: "warm strings", TargetDurationMS: 33000,
	}, dest)
	require.NoError(t, err)

	assert.Equal(t, "warm strings", submitted.Caption)
	assert.Equal(t, 33, submitted.Duration)
	assert.Equal(t, 8, submitted.InferenceSteps)
	assert.Equal(t, "wav", submitted.AudioFormat)
	assert.Equal(t, "stereo", probe(t, dest).ChannelLayout)
}

func TestACEStepBackend_PrefersSharedVolume(t *testing.T) {
	t.Parallel()

	server, _ := newACEStepServer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	shared := t.TempDir()
	local := filepath.Join(shared, "outputs", "task-7", "0.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o750))
	require.NoError(t, os.WriteFile(local, audio.Tone(1000, 110, 8000, 2), 0o600))

	backend := provider.NewACEStepBackend(provider.ACEStepConfig{
		Name: "acestep", BaseURL: server.URL, OutputDir: shared, Format: "wav", PollInterval: 5 * time.Millisecond,
	})

	dest := filepath.Join(t.TempDir(), "music.wav")
	require.NoError(t, backend.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindMusic, Description: "drone", TargetDurationMS: 400}, dest))
	assert.Equal(t, int64(1000), probe(t, dest).DurationMS)
}

func TestACEStepBackend_FailedTask(t *testing.T) {
	t.Parallel()

	server, submitted := newACEStepServer(t, 2, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	backend := provider.NewACEStepBackend(provider.ACEStepConfig{
		Name: "acestep", BaseURL: server.URL, PollInterval: 5 * time.Millisecond,
	})

	err := backend.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindMusic, Description: "drone"}, filepath.Join(t.TempDir(), "m.mp3"))
	require.ErrorIs(t, err, provider.ErrTaskFailed)
	assert.Equal(t, 1, submitted.Duration)
}

type recordingRunner struct {
	name string
	args []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.name = name
	r.args = args

	for index, arg := range args {
		if arg == "--out" && index+1 < len(args) {
			return nil, os.WriteFile(args[index+1], audio.Tone(testToneMS, 200, 8000, 1), 0o600)
		}
	}

	return []byte("no output flag"), nil
}

func TestCommandBackend(t *testing.T) {
	t.Parallel()

	_, err := provider.NewCommandBackend(provider.CommandConfig{Name: "local"})
	require.ErrorIs(t, err, provider.ErrCommandEmpty)

	runner := &recordingRunner{}
	backend, err := provider.NewCommandBackend(provider.CommandConfig{
		Runner:  runner,
		Name:    "chatllm",
		Command: "chatllm",
		Args:    []string{"-p", "{{voice}}: {text}", "--speed", "{speed}", "--out", "{output}"},
	})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "b1.wav")
	require.NoError(t, backend.Generate(context.Background(), core.GenerationRequest{
		Kind: core.KindNarration, Text: "Good morning.", VoiceID: "af_sky", Speed: 1,
	}, dest))

	assert.Equal(t, "chatllm", runner.name)
	assert.Equal(t, []string{"-p", "{af_sky}: Good morning.", "--speed", "1.00", "--out", dest}, runner.args)
	assert.Equal(t, int64(testToneMS), probe(t, dest).DurationMS)

	require.ErrorIs(t, backend.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindSFX}, dest), provider.ErrEmptyDescription)
}

func TestToneBackend(t *testing.T) {
	t.Parallel()

	backend := provider.NewToneBackend("tone", 0)
	require.NoError(t, backend.HealthCheck(context.Background()))

	dir := t.TempDir()
	text := "One two three four five six seven eight nine ten."

	narration := filepath.Join(dir, "n.wav")
	require.NoError(t, backend.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindNarration, Text: text, Speed: 1}, narration))

	info := probe(t, narration)
	assert.Equal(t, estimate.DurationMS(text, 1), info.DurationMS)
	assert.Equal(t, 1, info.Channels)

	music := filepath.Join(dir, "m.wav")
	require.NoError(t, backend.Generate(context.Background(),
		core.GenerationRequest{Kind: core.KindMusic, Description: "pad", TargetDurationMS: 3300}, music))

	info = probe(t, music)
	assert.Equal(t, int64(3300), info.DurationMS)
	assert.Equal(t, 2, info.Channels)

	assert.True(t, strings.HasSuffix(narration, backend.Extension()))
}
