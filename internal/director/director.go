package director

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/core"
)

// Log messages.
const (
	logBibleFromLLM      = "Drafting series bible for %q with the language model."
	logBibleFromSpeakers = "No series bible supplied; deriving %d characters from script speakers."
	logLLMUnavailable    = "Language model unavailable, falling back to script speakers: %v"
	logDirected          = "Directed %q: %d blocks, %d characters."
)

// Drafter drafts raw structured output from a script.
type Drafter interface {
	DraftSeriesBible(ctx context.Context, title, script string) ([]byte, error)
	DraftScene(ctx context.Context, bibleJSON []byte, scene string) ([]byte, error)
}

// Direction is the output of directing a script.
type Direction struct {
	Bible  core.SeriesBible
	Blocks []core.Block
}

// Director produces a series bible and block plan for a project.
type Director struct {
	drafter Drafter
	log     *logger.Logger
}

// New creates a director. drafter may be nil when no language model is configured.
func New(drafter Drafter, log *logger.Logger) *Director {
	return &Director{drafter: drafter, log: log}
}

// Direct builds the bible and block plan of a script.
//
// A supplied raw bible is normalized as is. Without one the language model drafts it, and
// without a model the bible lists the speakers found in the script. The block plan always
// comes from PlanBlocks, so editing the script regenerates every block.
func (d *Director) Direct(ctx context.Context, title, script string, rawBible []byte) (Direction, error) {
	blocks := PlanBlocks(script)

	bible, err := d.seriesBible(ctx, title, script, rawBible, blocks)
	if err != nil {
		return Direction{}, err
	}

	if bible.Title == "" {
		bible.Title = title
	}

	d.log.Info(logDirected, title, len(blocks), len(bible.Characters))

	return Direction{Bible: bible, Blocks: blocks}, nil
}

// DirectScene asks the language model to direct a scene against an existing bible.
func (d *Director) DirectScene(ctx context.Context, bible core.SeriesBible, scene string) ([]core.Block, error) {
	if d.drafter == nil {
		return PlanBlocks(scene), nil
	}

	bibleJSON, err := json.Marshal(bible)
	if err != nil {
		return nil, fmt.Errorf("failed to encode series bible: %w", err)
	}

	raw, err := d.drafter.DraftScene(ctx, bibleJSON, scene)
	if err != nil {
		return nil, fmt.Errorf("failed to draft scene: %w", err)
	}

	return ParseScene(raw)
}

func (d *Director) seriesBible(
	ctx context.Context,
	title, script string,
	rawBible []byte,
	blocks []core.Block,
) (core.SeriesBible, error) {
	if len(rawBible) > 0 {
		return CreateSeriesBible(rawBible)
	}

	if d.drafter != nil {
		d.log.Info(logBibleFromLLM, title)

		raw, err := d.drafter.DraftSeriesBible(ctx, title, script)
		if err == nil {
			return CreateSeriesBible(raw)
		}

		d.log.Warn(logLLMUnavailable, err)
	}

	bible := BibleFromSpeakers(blocks)
	d.log.Info(logBibleFromSpeakers, len(bible.Characters))

	return bible, nil
}

// BibleFromSpeakers lists every non-narrator speaker with empty attributes.
func BibleFromSpeakers(blocks []core.Block) core.SeriesBible {
	bible := core.SeriesBible{Characters: make(map[string]core.Character)}

	for index := range blocks {
		speaker := blocks[index].Speaker
		if speaker == "" || speaker == NarratorSpeaker {
			continue
		}

		bible.Characters[speaker] = core.Character{Name: speaker}
	}

	return bible
}
