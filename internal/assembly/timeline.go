// Package assembly lays generated assets out on a shared timeline and mixes them into one
// output container.
package assembly

import (
	"sort"

	"github.com/book-expert/audio-producer/internal/core"
)

// Placement is one asset positioned on the timeline.
type Placement struct {
	Asset   core.Asset     `json:"asset"`
	BlockID string         `json:"block_id"`
	Kind    core.AssetKind `json:"kind"`
	StartMS int64          `json:"start_ms"`
}

// EndMS is where the placed asset stops playing.
func (p Placement) EndMS() int64 {
	return p.StartMS + p.Asset.DurationMS
}

// Timeline is the layout of every resolved asset of a project.
type Timeline struct {
	// BlockStarts maps block ids to their narration start offset.
	BlockStarts map[string]int64 `json:"block_starts"`
	Placements  []Placement      `json:"placements"`
	// NarrationMS is the length of the narration track, inter-block silence included.
	NarrationMS int64 `json:"narration_ms"`
	// DurationMS is the end of the longest placement.
	DurationMS int64 `json:"duration_ms"`
}

// Layout places narration sequentially in block order, each block starting at the running
// sum of prior narration plus the inter-block silence. SFX sit at their block's start plus
// the block's SFX offset; music sits at the start of the block that opens its span. Blocks
// without resolved narration take no time and carry no layers.
func Layout(blocks []core.Block, settings core.Settings) Timeline {
	ordered := Ordered(blocks)
	timeline := Timeline{BlockStarts: make(map[string]int64, len(ordered))}
	silence := max(settings.InterBlockSilenceMS, 0)

	var (
		cursor int64
		placed int
	)

	for index := range ordered {
		block := &ordered[index]

		if !block.Narration.Resolved() {
			timeline.BlockStarts[block.ID] = cursor

			continue
		}

		if placed > 0 {
			cursor += silence
		}

		start := cursor
		timeline.BlockStarts[block.ID] = start
		timeline.add(Placement{Asset: *block.Narration.Asset, BlockID: block.ID, Kind: core.KindNarration, StartMS: start})

		if !settings.SkipSFX && block.SFX.Resolved() {
			timeline.add(Placement{
				Asset:   *block.SFX.Asset,
				BlockID: block.ID,
				Kind:    core.KindSFX,
				StartMS: start + max(block.SFXOffsetMS, 0),
			})
		}

		if !settings.SkipMusic && block.Music.Resolved() {
			timeline.add(Placement{Asset: *block.Music.Asset, BlockID: block.ID, Kind: core.KindMusic, StartMS: start})
		}

		cursor = start + block.Narration.DurationMS()
		placed++
	}

	timeline.NarrationMS = cursor

	return timeline
}

// Ordered returns a copy of blocks sorted by sequence index.
func Ordered(blocks []core.Block) []core.Block {
	ordered := make([]core.Block, len(blocks))
	copy(ordered, blocks)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	return ordered
}

// Count returns how many placements of a kind the timeline holds.
func (t *Timeline) Count(kind core.AssetKind) int {
	count := 0

	for _, placement := range t.Placements {
		if placement.Kind == kind {
			count++
		}
	}

	return count
}

func (t *Timeline) add(placement Placement) {
	t.Placements = append(t.Placements, placement)
	t.DurationMS = max(t.DurationMS, placement.EndMS())
}
