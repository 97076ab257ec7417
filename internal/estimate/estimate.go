// Package estimate approximates spoken duration from text before any audio exists.
//
// Estimates are sizing hints for display and cost previews. Music targets are always
// computed from measured narration, never from these numbers.
package estimate

import (
	"math"
	"strings"
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

const (
	// SecondsPerWord assumes roughly 150 spoken words per minute.
	SecondsPerWord = 0.4
	minimumSpeed   = 0.1
	minimumSeconds = 1.0
	millisPerSec   = 1000
)

// DurationMS estimates the spoken duration of text at the given speed multiplier.
func DurationMS(text string, speed float64) int64 {
	if speed < minimumSpeed {
		speed = minimumSpeed
	}

	words := len(strings.Fields(text))
	seconds := max(minimumSeconds, float64(words)*SecondsPerWord/speed)

	return int64(math.Round(seconds * millisPerSec))
}

// Duration is DurationMS as a time.Duration.
func Duration(text string, speed float64) time.Duration {
	return time.Duration(DurationMS(text, speed)) * time.Millisecond
}

// Summary is the pre-flight sizing of a whole project.
type Summary struct {
	Words          int
	Blocks         int
	SFXCalls       int
	MusicSpans     int
	NarrationMS    int64
	SilenceMS      int64
	EstimatedTotal int64
}

// Project sizes every block of a project with its current settings.
func Project(blocks []core.Block, settings core.Settings) Summary {
	speed := settings.NarrationSpeed
	if speed == 0 {
		speed = 1
	}

	summary := Summary{Blocks: len(blocks)}

	for index := range blocks {
		block := &blocks[index]

		summary.Words += len(strings.Fields(block.NarrationText))
		summary.NarrationMS += DurationMS(block.NarrationText, speed)

		if block.HasSFX() && !settings.SkipSFX {
			summary.SFXCalls++
		}

		if block.OpensMusic() && !settings.SkipMusic {
			summary.MusicSpans++
		}
	}

	if settings.MaxSFXCalls > 0 && summary.SFXCalls > settings.MaxSFXCalls {
		summary.SFXCalls = settings.MaxSFXCalls
	}

	if len(blocks) > 1 {
		summary.SilenceMS = int64(len(blocks)-1) * settings.InterBlockSilenceMS
	}

	summary.EstimatedTotal = summary.NarrationMS + summary.SilenceMS

	return summary
}
