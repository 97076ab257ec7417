package audio

import (
	"context"
	"fmt"
	"os"

	"github.com/book-expert/audio-producer/internal/core"
)

// Validator applies the asset sanity checks: non-zero size, decodable, positive duration.
type Validator struct {
	prober core.Prober
}

// NewValidator creates a validator backed by prober.
func NewValidator(prober core.Prober) *Validator {
	return &Validator{prober: prober}
}

// Validate checks the file at path and returns it as a resolved asset.
// Every failure wraps core.ErrValidation.
func (v *Validator) Validate(ctx context.Context, path string) (core.Asset, error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return core.Asset{}, fmt.Errorf("%w: %w", core.ErrValidation, statErr)
	}

	if info.IsDir() || info.Size() == 0 {
		return core.Asset{}, fmt.Errorf("%w: %s is empty", core.ErrValidation, path)
	}

	probed, probeErr := v.prober.Probe(ctx, path)
	if probeErr != nil {
		return core.Asset{}, fmt.Errorf("%w: %s is not decodable: %w", core.ErrValidation, path, probeErr)
	}

	if probed.DurationMS <= 0 {
		return core.Asset{}, fmt.Errorf("%w: %s has no duration", core.ErrValidation, path)
	}

	if probed.Channels <= 0 {
		return core.Asset{}, fmt.Errorf("%w: %s reports %d channels", core.ErrValidation, path, probed.Channels)
	}

	return core.Asset{
		FileRef:       path,
		ChannelLayout: LayoutName(probed.ChannelLayout, probed.Channels),
		DurationMS:    probed.DurationMS,
		SizeBytes:     info.Size(),
		Channels:      probed.Channels,
	}, nil
}
