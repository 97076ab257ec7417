package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/audio-producer/internal/core"
)

const (
	defaultFFprobe = "ffprobe"
	codecTypeAudio = "audio"
	layoutMono     = "mono"
	layoutStereo   = "stereo"
	millisPerSec   = 1000
)

var (
	// ErrEmptyPath is returned when asked to inspect an empty path.
	ErrEmptyPath = errors.New("empty path")
	// ErrNoAudioStream is returned for files without a decodable audio stream.
	ErrNoAudioStream = errors.New("no audio stream")
)

// Runner executes an external tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

// Run executes name with args.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}

	return output, nil
}

// ProbeResult is the parsed output of an ffprobe inspection.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

// ProbeStream describes a single stream in the container.
type ProbeStream struct {
	CodecName     string `json:"codec_name"`
	CodecType     string `json:"codec_type"`
	Duration      string `json:"duration"`
	SampleRate    string `json:"sample_rate"`
	ChannelLayout string `json:"channel_layout"`
	Index         int    `json:"index"`
	Channels      int    `json:"channels"`
}

// ProbeFormat captures container-level metadata.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// AudioStream returns the first audio stream.
func (r ProbeResult) AudioStream() (ProbeStream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, codecTypeAudio) {
			return stream, true
		}
	}

	return ProbeStream{}, false
}

// DurationSeconds returns the container duration, falling back to the audio stream's.
func (r ProbeResult) DurationSeconds() float64 {
	if duration := parseFloat(r.Format.Duration); duration > 0 {
		return duration
	}

	if stream, found := r.AudioStream(); found {
		return parseFloat(stream.Duration)
	}

	return 0
}

// SizeBytes returns the reported container size, or 0 when unavailable.
func (r ProbeResult) SizeBytes() int64 {
	return int64(parseFloat(r.Format.Size))
}

// FFprobe implements core.Prober with the ffprobe binary.
type FFprobe struct {
	runner Runner
	binary string
}

// NewFFprobe creates a prober. An empty binary means "ffprobe" on PATH.
func NewFFprobe(runner Runner, binary string) *FFprobe {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = defaultFFprobe
	}

	if runner == nil {
		runner = ExecRunner{}
	}

	return &FFprobe{runner: runner, binary: binary}
}

// Inspect runs ffprobe against path and decodes the JSON response.
func (p *FFprobe) Inspect(ctx context.Context, path string) (ProbeResult, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ProbeResult{}, fmt.Errorf("ffprobe inspect: %w", ErrEmptyPath)
	}

	output, err := p.runner.Run(ctx, p.binary,
		"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe inspect: %w", err)
	}

	var result ProbeResult

	unmarshalErr := json.Unmarshal(output, &result)
	if unmarshalErr != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", unmarshalErr)
	}

	return result, nil
}

// Probe summarizes the first audio stream of path.
func (p *FFprobe) Probe(ctx context.Context, path string) (core.AudioInfo, error) {
	result, err := p.Inspect(ctx, path)
	if err != nil {
		return core.AudioInfo{}, err
	}

	stream, found := result.AudioStream()
	if !found {
		return core.AudioInfo{}, fmt.Errorf("%s: %w", path, ErrNoAudioStream)
	}

	sampleRate, _ := strconv.Atoi(strings.TrimSpace(stream.SampleRate))

	return core.AudioInfo{
		Codec:         stream.CodecName,
		ChannelLayout: LayoutName(stream.ChannelLayout, stream.Channels),
		DurationMS:    int64(math.Round(result.DurationSeconds() * millisPerSec)),
		SizeBytes:     result.SizeBytes(),
		SampleRate:    sampleRate,
		Channels:      stream.Channels,
	}, nil
}

// LayoutName returns the reported layout, or one derived from the channel count.
func LayoutName(reported string, channels int) string {
	if reported = strings.TrimSpace(reported); reported != "" {
		return reported
	}

	switch channels {
	case 1:
		return layoutMono
	case 2:
		return layoutStereo
	default:
		return strconv.Itoa(channels) + "c"
	}
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}

	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || parsed < 0 {
		return 0
	}

	return parsed
}
