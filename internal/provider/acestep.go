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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

// ACE-Step endpoints and task states.
const (
	apiReleaseTask      = "/release_task"
	apiQueryResult      = "/query_result"
	aceStatusRunning    = 0
	aceStatusSucceeded  = 1
	aceStatusFailed     = 2
	aceCodeOK           = 200
	aceBatchSize        = 1
	aceRandomSeed       = -1
	defaultPollInterval = 2 * time.Second
	minMusicSeconds     = 1
)

var (
	// ErrTaskFailed is returned when the music service reports a failed task.
	ErrTaskFailed = errors.New("music generation task failed")
	// ErrNoAudioInResult is returned when a finished task lists no audio file.
	ErrNoAudioInResult = errors.New("no audio file in result")
)

// MusicTaskRequest is the payload of an ACE-Step release_task call.
type MusicTaskRequest struct {
	Caption        string `json:"caption"`
	Lyrics         string `json:"lyrics"`
	AudioFormat    string `json:"audio_format"`
	Duration       int    `json:"audio_duration"`
	InferenceSteps int    `json:"inference_steps"`
	Seed           int    `json:"seed"`
	BatchSize      int    `json:"batch_size"`
}

type releaseResponse struct {
	Error string `json:"error"`
	Data  struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Code int `json:"code"`
}

type queryResponse struct {
	Data []taskResult `json:"data"`
	Code int          `json:"code"`
}

type taskResult struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
	Status int    `json:"status"`
}

type resultItem struct {
	File   string `json:"file"`
	Status int    `json:"status"`
}

// ACEStepConfig configures an ACEStepBackend.
type ACEStepConfig struct {
	Name           string
	BaseURL        string
	APIKey         string
	OutputDir      string
	Format         string
	Timeout        time.Duration
	PollInterval   time.Duration
	InferenceSteps int
}

// ACEStepBackend generates music with the ACE-Step task API: submit, poll, fetch.
type ACEStepBackend struct {
	httpClient     *http.Client
	name           string
	baseURL        string
	apiKey         string
	outputDir      string
	format         string
	pollInterval   time.Duration
	inferenceSteps int
}

// NewACEStepBackend creates an ACE-Step backend. OutputDir is the shared volume the
// service writes results to; results not found there are downloaded.
func NewACEStepBackend(cfg ACEStepConfig) *ACEStepBackend {
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Format)), ".")
	if format == "" {
		format = "mp3"
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &ACEStepBackend{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		name:           cfg.Name,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		outputDir:      cfg.OutputDir,
		format:         format,
		pollInterval:   cfg.PollInterval,
		inferenceSteps: cfg.InferenceSteps,
	}
}

// Name returns the configured backend name.
func (b *ACEStepBackend) Name() string {
	return b.name
}

// Extension returns the file extension of generated music.
func (b *ACEStepBackend) Extension() string {
	return "." + b.format
}

// HealthCheck verifies the ACE-Step API answers.
func (b *ACEStepBackend) HealthCheck(ctx context.Context) error {
	resp, err := b.do(ctx, http.MethodGet, b.baseURL+apiHealth, nil)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// Generate submits a task for req, waits for it and copies the result to dest.
func (b *ACEStepBackend) Generate(ctx context.Context, req core.GenerationRequest, dest string) error {
	if strings.TrimSpace(req.Description) == "" {
		return ErrEmptyDescription
	}

	seconds := int(math.Ceil(float64(req.TargetDurationMS) / millisPerSecond))
	if seconds < minMusicSeconds {
		seconds = minMusicSeconds
	}

	taskID, submitErr := b.submit(ctx, MusicTaskRequest{
		Caption:        req.Description,
		AudioFormat:    b.format,
		Duration:       seconds,
		InferenceSteps: b.inferenceSteps,
		Seed:           aceRandomSeed,
		BatchSize:      aceBatchSize,
	})
	if submitErr != nil {
		return submitErr
	}

	fileRef, pollErr := b.pollUntilDone(ctx, taskID)
	if pollErr != nil {
		return pollErr
	}

	return b.fetch(ctx, fileRef, dest)
}

func (b *ACEStepBackend) submit(ctx context.Context, task MusicTaskRequest) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := b.do(ctx, http.MethodPost, b.baseURL+apiReleaseTask, body)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	var result releaseResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}

	if result.Code != aceCodeOK || result.Data.TaskID == "" {
		return "", fmt.Errorf("API error (code %d): %s", result.Code, result.Error)
	}

	return result.Data.TaskID, nil
}

// pollUntilDone returns the file reference of a finished task. Transient poll errors are
// retried until ctx ends.
func (b *ACEStepBackend) pollUntilDone(ctx context.Context, taskID string) (string, error) {
	body, _ := json.Marshal(map[string][]string{"task_id_list": {taskID}})

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		task, found, queryErr := b.query(ctx, body)
		if queryErr == nil && found {
			switch task.Status {
			case aceStatusSucceeded:
				return firstResultFile(task.Result)
			case aceStatusFailed:
				return "", fmt.Errorf("%w: %s", ErrTaskFailed, taskID)
			case aceStatusRunning:
			}
		}

		select {
		case <-ctx.Done():
			if queryErr != nil {
				return "", fmt.Errorf("poll task %s: %w (last error: %w)", taskID, ctx.Err(), queryErr)
			}

			return "", fmt.Errorf("poll task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *ACEStepBackend) query(ctx context.Context, body []byte) (taskResult, bool, error) {
	resp, err := b.do(ctx, http.MethodPost, b.baseURL+apiQueryResult, body)
	if err != nil {
		return taskResult{}, false, err
	}
	defer resp.Body.Close()

	var result queryResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if decodeErr != nil {
		return taskResult{}, false, fmt.Errorf("decode poll response: %w", decodeErr)
	}

	if len(result.Data) == 0 {
		return taskResult{}, false, nil
	}

	return result.Data[0], true, nil
}

// fetch copies the result from the shared volume when present, otherwise downloads it.
// References look like "/v1/audio?path=outputs/task_xxx/0.mp3".
func (b *ACEStepBackend) fetch(ctx context.Context, fileRef, dest string) error {
	if parsed, parseErr := url.Parse(fileRef); parseErr == nil && b.outputDir != "" {
		if relPath := parsed.Query().Get("path"); relPath != "" {
			localPath := filepath.Join(b.outputDir, filepath.Clean("/"+relPath))

			data, readErr := os.ReadFile(localPath)
			if readErr == nil {
				return os.WriteFile(dest, data, filePermissions)
			}
		}
	}

	resp, err := b.do(ctx, http.MethodGet, b.baseURL+fileRef, nil)
	if err != nil {
		return fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	file, createErr := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
	if createErr != nil {
		return fmt.Errorf("create audio file: %w", createErr)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil || closeErr != nil {
		return fmt.Errorf("write audio: %w", errors.Join(copyErr, closeErr))
	}

	return nil
}

func (b *ACEStepBackend) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	if b.apiKey != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+b.apiKey)
	}

	return b.httpClient.Do(req)
}

func firstResultFile(resultJSON string) (string, error) {
	var items []resultItem

	err := json.Unmarshal([]byte(resultJSON), &items)
	if err != nil {
		return "", fmt.Errorf("parse result items: %w", err)
	}

	if len(items) == 0 || items[0].File == "" {
		return "", ErrNoAudioInResult
	}

	return items[0].File, nil
}
