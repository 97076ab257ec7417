package director

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrLLMStatus is returned when the language model endpoint answers with a non-200 status.
var ErrLLMStatus = errors.New("llm returned an error status")

const (
	ollamaGeneratePath = "/api/generate"
	ollamaTagsPath     = "/api/tags"
	maxScriptRunes     = 50000
	llmTemperature     = 0.2
	jsonFormat         = "json"
)

const seriesBibleSystemPrompt = `You are an expert audio drama director.
List every character that appears in the story text you are given.
For each character give a name, a physical and personality description, a gender
(male, female, neutral or unknown) and a voice reference describing how the voice should sound.
Also give short global notes on the tone and atmosphere.
Answer with JSON only, shaped as {"characters":[{"name":"","description":"","gender":"","voice_ref":""}],"global_notes":""}.`

const scenePromptFormat = `Series bible:
%s

Convert the scene below into an audio script. Answer with JSON only, shaped as
{"blocks":[{"type":"dialogue|narration|sfx|music","speaker":"","line":"","style":"","description":"","action":"start|stop|fade_in|fade_out|sustain"}]}.
Use "Narrator" as the speaker of narration.

Scene:
%s`

// LLMClient talks to an Ollama instance that drafts series bibles and scenes.
type LLMClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewLLMClient creates an Ollama client.
func NewLLMClient(baseURL, model string, timeout time.Duration) *LLMClient {
	return &LLMClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Options map[string]any `json:"options,omitempty"`
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Available reports whether the model endpoint answers.
func (c *LLMClient) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ollamaTagsPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create llm health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrLLMStatus, resp.StatusCode)
	}

	return nil
}

// Generate sends one prompt with a system message and returns the model's answer.
func (c *LLMClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  system,
		Format:  jsonFormat,
		Stream:  false,
		Options: map[string]any{"temperature": llmTemperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ollamaGeneratePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create llm request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return "", fmt.Errorf("%w: %d: %s", ErrLLMStatus, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result generateResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", decodeErr)
	}

	return strings.TrimSpace(result.Response), nil
}

// DraftSeriesBible asks the model for the raw series bible of a story.
func (c *LLMClient) DraftSeriesBible(ctx context.Context, title, script string) ([]byte, error) {
	prompt := fmt.Sprintf("Story title: %s\n\nText:\n%s", title, truncateRunes(script, maxScriptRunes))

	answer, err := c.Generate(ctx, seriesBibleSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	return []byte(answer), nil
}

// DraftScene asks the model to direct one scene against an existing bible.
func (c *LLMClient) DraftScene(ctx context.Context, bibleJSON []byte, scene string) ([]byte, error) {
	answer, err := c.Generate(ctx, "", fmt.Sprintf(scenePromptFormat, bibleJSON, scene))
	if err != nil {
		return nil, err
	}

	return []byte(answer), nil
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}

	return string(runes[:limit])
}
