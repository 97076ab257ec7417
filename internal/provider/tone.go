package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/estimate"
)

const (
	millisPerSecond     = 1000
	toneSampleRate      = 22050
	toneDefaultSFXMS    = 1500
	toneDefaultMusicMS  = 10000
	toneNarrationHz     = 220
	toneSFXHz           = 880
	toneMusicHz         = 110
	toneNarrationLayout = 1
	toneLayerLayout     = 2
)

// ToneBackend renders placeholder tones locally. Narration lasts as long as the text would
// take to read, music as long as its target. Useful for offline drafts of a production.
type ToneBackend struct {
	name        string
	frequencyHz float64
}

// NewToneBackend creates a tone backend. A zero frequency picks a per-kind default;
// a negative one renders silence.
func NewToneBackend(name string, frequencyHz int) *ToneBackend {
	return &ToneBackend{name: name, frequencyHz: float64(frequencyHz)}
}

// Name returns the configured backend name.
func (b *ToneBackend) Name() string {
	return b.name
}

// Extension returns ".wav".
func (b *ToneBackend) Extension() string {
	return ".wav"
}

// HealthCheck always succeeds.
func (b *ToneBackend) HealthCheck(_ context.Context) error {
	return nil
}

// Generate writes a tone of the length req calls for. Narration is mono, other layers stereo.
func (b *ToneBackend) Generate(ctx context.Context, req core.GenerationRequest, dest string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	durationMS, frequency, channels := b.shape(req)

	writeErr := os.WriteFile(dest, audio.Tone(durationMS, frequency, toneSampleRate, channels), filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write tone: %w", writeErr)
	}

	return nil
}

func (b *ToneBackend) shape(req core.GenerationRequest) (int64, float64, int) {
	frequency := b.frequencyHz
	if frequency < 0 {
		frequency = 0
	}

	switch req.Kind {
	case core.KindNarration:
		if b.frequencyHz == 0 {
			frequency = toneNarrationHz
		}

		speed := req.Speed
		if speed <= 0 {
			speed = 1
		}

		return estimate.DurationMS(req.Text, speed), frequency, toneNarrationLayout
	case core.KindSFX:
		if b.frequencyHz == 0 {
			frequency = toneSFXHz
		}

		return orDefault(req.TargetDurationMS, toneDefaultSFXMS), frequency, toneLayerLayout
	case core.KindMusic:
		if b.frequencyHz == 0 {
			frequency = toneMusicHz
		}

		return orDefault(req.TargetDurationMS, toneDefaultMusicMS), frequency, toneLayerLayout
	default:
		return orDefault(req.TargetDurationMS, toneDefaultSFXMS), frequency, toneLayerLayout
	}
}

func orDefault(value, fallback int64) int64 {
	if value > 0 {
		return value
	}

	return fallback
}
