package assembly

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/audio-producer/internal/audio"
)

const defaultFFmpeg = "ffmpeg"

// ErrNoInputs is returned when a mix is requested without inputs.
var ErrNoInputs = errors.New("no inputs to mix")

// MixPlan is everything a mixer needs to render one output file.
type MixPlan struct {
	Title      string
	Inputs     []Input
	Format     audio.OutputFormat
	ExpectedMS int64
}

// Mixer renders a MixPlan to output.
type Mixer interface {
	Mix(ctx context.Context, plan MixPlan, output string) error
}

// FFmpegMixer mixes with a single ffmpeg filter_complex invocation.
type FFmpegMixer struct {
	runner audio.Runner
	bin    string
}

// NewFFmpegMixer creates a mixer. An empty bin uses "ffmpeg" from PATH.
func NewFFmpegMixer(runner audio.Runner, bin string) *FFmpegMixer {
	if bin == "" {
		bin = defaultFFmpeg
	}

	return &FFmpegMixer{runner: runner, bin: bin}
}

// Mix runs ffmpeg for plan, writing output.
func (m *FFmpegMixer) Mix(ctx context.Context, plan MixPlan, output string) error {
	if len(plan.Inputs) == 0 {
		return ErrNoInputs
	}

	_, err := m.runner.Run(ctx, m.bin, MixArgs(plan, output)...)
	if err != nil {
		return fmt.Errorf("ffmpeg mix failed: %w", err)
	}

	return nil
}

// MixArgs returns the ffmpeg arguments for plan.
func MixArgs(plan MixPlan, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}

	for _, input := range plan.Inputs {
		args = append(args, "-i", input.Path)
	}

	args = append(args,
		"-filter_complex", FilterGraph(plan.Inputs, plan.Format.SampleRate, plan.Format.Channels),
		"-map", mixLabel,
	)
	args = append(args, plan.Format.EncodeArgs(plan.Title)...)

	return append(args, output)
}
