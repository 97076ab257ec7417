package pipeline

import (
	"github.com/book-expert/audio-producer/internal/core"
)

// MusicSpan is a run of consecutive blocks covered by one music cue.
type MusicSpan struct {
	OwnerID     string   `json:"owner_id"`
	Description string   `json:"description"`
	BlockIDs    []string `json:"block_ids"`
	// MeasuredMS is the span's measured length: narration, silence between its blocks and
	// any SFX that rings past the last narration.
	MeasuredMS int64 `json:"measured_ms"`
	// RequiredMS is MeasuredMS plus the trailing buffer.
	RequiredMS int64 `json:"required_ms"`
	// TargetMS is RequiredMS after the optional min/max clamp; it is what the backend is asked for.
	TargetMS int64 `json:"target_ms"`
}

// MusicSpans finds the music spans of blocks, which must be in sequence order.
// A span opens at a start or fade_in cue and runs until the next block whose cue starts,
// stops or fades; sustain cues neither open nor close a span.
func MusicSpans(blocks []core.Block) []MusicSpan {
	var (
		spans   []MusicSpan
		current *MusicSpan
	)

	for index := range blocks {
		block := &blocks[index]

		if block.MusicCue != nil && block.MusicCue.Action.Changes() {
			current = nil

			if block.OpensMusic() {
				spans = append(spans, MusicSpan{OwnerID: block.ID, Description: block.MusicCue.Description})
				current = &spans[len(spans)-1]
			}
		}

		if current != nil {
			current.BlockIDs = append(current.BlockIDs, block.ID)
		}
	}

	return spans
}

// SizeSpan measures span against the resolved assets of blocks and applies the buffer and
// clamp of settings. Blocks without resolved narration count zero.
func SizeSpan(span MusicSpan, blocks map[string]*core.Block, settings core.Settings) MusicSpan {
	silence := max(settings.InterBlockSilenceMS, 0)

	var (
		cursor   int64
		measured int64
		placed   int
	)

	for _, id := range span.BlockIDs {
		block, found := blocks[id]
		if !found || !block.Narration.Resolved() {
			continue
		}

		if placed > 0 {
			cursor += silence
		}

		start := cursor
		cursor = start + block.Narration.DurationMS()
		measured = max(measured, cursor)
		placed++

		if !settings.SkipSFX && block.SFX.Resolved() {
			measured = max(measured, start+max(block.SFXOffsetMS, 0)+block.SFX.DurationMS())
		}
	}

	span.MeasuredMS = measured
	span.RequiredMS = measured + max(settings.MusicBufferMS, 0)
	span.TargetMS = clamp(span.RequiredMS, settings.MusicMinMS, settings.MusicMaxMS)

	return span
}

func clamp(value, minimum, maximum int64) int64 {
	if minimum > 0 && value < minimum {
		value = minimum
	}

	if maximum > 0 && value > maximum {
		value = maximum
	}

	return value
}
