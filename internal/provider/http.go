package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiGenerateSFX    = "/v1/generate/sfx"
	apiGenerateMusic  = "/v1/generate/music"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	contentTypeAudio    = "audio/"
	contentTypeOctet    = "application/octet-stream"
	bearerPrefix        = "Bearer "
	defaultAudioFormat  = "wav"
	defaultLanguage     = "en"
	filePermissions     = 0o600
	maxErrorBodyBytes   = 4096
)

// Error messages.
const (
	errFmtUnexpectedContentType = "unexpected content type: expected audio, got %q"
	errFmtServiceErrorWithCode  = "service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus    = "service returned non-OK status: %s, body: %s"
)

var (
	// ErrEmptyText is returned for narration requests without text.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrEmptyDescription is returned for sfx or music requests without a description.
	ErrEmptyDescription = errors.New("description cannot be empty")
	// ErrEmptyAudio is returned when a backend answers with no audio bytes.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// SynthesisRequest is the JSON payload sent to HTTP backends.
type SynthesisRequest struct {
	Text            string  `json:"text,omitempty"`
	Description     string  `json:"description,omitempty"`
	Voice           string  `json:"voice,omitempty"`
	Style           string  `json:"style,omitempty"`
	Language        string  `json:"language,omitempty"`
	Model           string  `json:"model,omitempty"`
	ResponseFormat  string  `json:"response_format"`
	Speed           float64 `json:"speed,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// ErrorResponse is a structured error returned by a backend.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPBackend generates audio by POSTing a SynthesisRequest and reading the audio body.
type HTTPBackend struct {
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
	model      string
	format     string
}

// HTTPBackendConfig configures an HTTPBackend.
type HTTPBackendConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Format  string
	Timeout time.Duration
}

// NewHTTPBackend creates an HTTP backend. Timeout bounds every HTTP request.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Format)), ".")
	if format == "" {
		format = defaultAudioFormat
	}

	return &HTTPBackend{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		format:     format,
	}
}

// Name returns the configured backend name.
func (b *HTTPBackend) Name() string {
	return b.name
}

// Extension returns the file extension of the audio this backend returns.
func (b *HTTPBackend) Extension() string {
	return "." + b.format
}

// Generate sends the request to the endpoint for req.Kind and writes the audio to dest.
func (b *HTTPBackend) Generate(ctx context.Context, req core.GenerationRequest, dest string) error {
	payload, endpoint, payloadErr := b.payloadFor(req)
	if payloadErr != nil {
		return payloadErr
	}

	requestBody, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal request: %w", marshalErr)
	}

	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+endpoint,
		bytes.NewReader(requestBody))
	if reqErr != nil {
		return fmt.Errorf("failed to create request: %w", reqErr)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeAudio+b.format)

	if b.apiKey != "" {
		httpReq.Header.Set(headerAuthorization, bearerPrefix+b.apiKey)
	}

	resp, doErr := b.httpClient.Do(httpReq)
	if doErr != nil {
		return fmt.Errorf("failed to send request to %s at %s: %w", b.name, b.baseURL, doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, contentTypeAudio) && !strings.HasPrefix(contentType, contentTypeOctet) {
		return fmt.Errorf(errFmtUnexpectedContentType, contentType)
	}

	audioData, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("failed to read audio data: %w", readErr)
	}

	if len(audioData) == 0 {
		return ErrEmptyAudio
	}

	writeErr := os.WriteFile(dest, audioData, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file: %w", writeErr)
	}

	return nil
}

// HealthCheck verifies that the service is running and operational.
func (b *HTTPBackend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (b *HTTPBackend) payloadFor(req core.GenerationRequest) (SynthesisRequest, string, error) {
	payload := SynthesisRequest{
		Model:          b.model,
		ResponseFormat: b.format,
	}

	if req.TargetDurationMS > 0 {
		payload.DurationSeconds = math.Ceil(float64(req.TargetDurationMS)/millisPerSecond*10) / 10
	}

	switch req.Kind {
	case core.KindNarration:
		if strings.TrimSpace(req.Text) == "" {
			return SynthesisRequest{}, "", ErrEmptyText
		}

		payload.Text = req.Text
		payload.Voice = req.VoiceID
		payload.Style = req.Style
		payload.Speed = req.Speed
		payload.Language = defaultLanguage

		return payload, apiGenerateSpeech, nil
	case core.KindSFX, core.KindMusic:
		if strings.TrimSpace(req.Description) == "" {
			return SynthesisRequest{}, "", ErrEmptyDescription
		}

		payload.Description = req.Description

		if req.Kind == core.KindSFX {
			return payload, apiGenerateSFX, nil
		}

		return payload, apiGenerateMusic, nil
	default:
		return SynthesisRequest{}, "", fmt.Errorf("unsupported asset kind %q", req.Kind)
	}
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp ErrorResponse

	unmarshalErr := json.Unmarshal(body, &errorResp)
	if unmarshalErr == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, strings.TrimSpace(string(body)))
}
