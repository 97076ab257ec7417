package director_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/director"
)

const directScript = "MARA: Where are we?\n\nIlya: Nowhere good.\n\nThe boat drifted."

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "director-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newOllamaServer(t *testing.T, answer string, status int) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(status)
		case "/api/generate":
			var request map[string]any
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				w.WriteHeader(http.StatusBadRequest)

				return
			}

			if status != http.StatusOK {
				w.WriteHeader(status)
				_, _ = w.Write([]byte("model not loaded"))

				return
			}

			_ = json.NewEncoder(w).Encode(map[string]any{"response": answer, "done": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	t.Cleanup(server.Close)

	return server
}

func TestDirector_DirectWithRawBible(t *testing.T) {
	t.Parallel()

	dir := director.New(nil, newTestLogger(t))

	direction, err := dir.Direct(context.Background(), "Drift", directScript,
		[]byte(`{"characters":[{"name":"MARA","physicalDescription":"wiry"}]}`))
	require.NoError(t, err)

	assert.Len(t, direction.Blocks, 3)
	assert.Equal(t, "Drift", direction.Bible.Title)
	assert.Equal(t, "wiry", direction.Bible.Characters["MARA"].Description)
}

func TestDirector_DirectRejectsMalformedBible(t *testing.T) {
	t.Parallel()

	dir := director.New(nil, newTestLogger(t))

	_, err := dir.Direct(context.Background(), "Drift", directScript, []byte(`["MARA"]`))
	require.ErrorIs(t, err, core.ErrSchema)
}

func TestDirector_DirectFromSpeakers(t *testing.T) {
	t.Parallel()

	dir := director.New(nil, newTestLogger(t))

	direction, err := dir.Direct(context.Background(), "Drift", directScript, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Ilya", "MARA"}, direction.Bible.Names())
}

func TestDirector_DirectWithLanguageModel(t *testing.T) {
	t.Parallel()

	server := newOllamaServer(t, `{"characters":[{"Name":"MARA","appearance":"soaked"}],"globalNotes":"cold"}`, http.StatusOK)
	client := director.NewLLMClient(server.URL+"/", "llama3", 5*time.Second)

	require.NoError(t, client.Available(context.Background()))

	dir := director.New(client, newTestLogger(t))

	direction, err := dir.Direct(context.Background(), "Drift", directScript, nil)
	require.NoError(t, err)

	assert.Equal(t, "soaked", direction.Bible.Characters["MARA"].Description)
	assert.Equal(t, "cold", direction.Bible.GlobalNotes)
}

func TestDirector_DirectFallsBackWhenModelFails(t *testing.T) {
	t.Parallel()

	server := newOllamaServer(t, "", http.StatusServiceUnavailable)
	client := director.NewLLMClient(server.URL, "llama3", 5*time.Second)

	require.ErrorIs(t, client.Available(context.Background()), director.ErrLLMStatus)

	dir := director.New(client, newTestLogger(t))

	direction, err := dir.Direct(context.Background(), "Drift", directScript, nil)
	require.NoError(t, err)
	assert.Len(t, direction.Bible.Characters, 2)
}

func TestDirector_DirectScene(t *testing.T) {
	t.Parallel()

	server := newOllamaServer(t, `{"blocks":[{"type":"dialogue","speaker":"MARA","line":"Row."}]}`, http.StatusOK)
	dir := director.New(director.NewLLMClient(server.URL, "llama3", 5*time.Second), newTestLogger(t))

	blocks, err := dir.DirectScene(context.Background(), core.SeriesBible{}, "Mara tells him to row.")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "MARA", blocks[0].Speaker)
	assert.Equal(t, "Row.", blocks[0].NarrationText)
}
