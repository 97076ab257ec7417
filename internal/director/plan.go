package director

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/book-expert/audio-producer/internal/core"
)

// NarratorSpeaker is the speaker of every line without an explicit speaker prefix.
const NarratorSpeaker = "Narrator"

const (
	cueSFX         = "SFX"
	cueMusic       = "MUSIC"
	cueMusicFadeIn = "MUSIC FADE IN"
	cueMusicFadeOu = "MUSIC FADE OUT"
	cueMusicStop   = "STOP"
	msSuffix       = "MS"
	secondsSuffix  = "S"
	msPerSecond    = 1000
)

var (
	cueLinePattern    = regexp.MustCompile(`^\[([^\]]+)\]$`)
	speakerPattern    = regexp.MustCompile(`^([A-Z][\p{L}0-9.'\- ]{0,39}):\s+(\S.*)$`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

type pendingCues struct {
	music       *core.MusicCue
	sfx         []string
	sfxOffsetMS int64
}

func (p *pendingCues) empty() bool {
	return p.music == nil && len(p.sfx) == 0
}

func (p *pendingCues) merge(other pendingCues) {
	if len(other.sfx) > 0 {
		p.sfx = append(p.sfx, other.sfx...)
		p.sfxOffsetMS = other.sfxOffsetMS
	}

	if other.music != nil {
		p.music = other.music
	}
}

func (p *pendingCues) applyTo(block *core.Block) {
	if len(p.sfx) > 0 {
		block.SFXDescription = joinDescriptions(block.SFXDescription, p.sfx...)
		block.SFXOffsetMS = p.sfxOffsetMS
	}

	if p.music != nil {
		block.MusicCue = p.music
	}

	*p = pendingCues{}
}

// PlanBlocks splits script text into ordered blocks.
//
// Paragraphs separated by blank lines become blocks. A paragraph starting with
// "Name: " is spoken by Name, otherwise by the narrator. Cue lines such as
// "[SFX: door slams]" or "[MUSIC: low strings]" attach to the next paragraph, or to the
// last one when nothing follows. Every call assigns fresh block ids.
func PlanBlocks(script string) []core.Block {
	var (
		blocks    []core.Block
		paragraph []string
		cues      pendingCues
	)

	flush := func() {
		if len(paragraph) == 0 {
			return
		}

		block := newBlock(len(blocks), strings.Join(paragraph, " "))
		cues.applyTo(&block)
		blocks = append(blocks, block)
		paragraph = nil
	}

	lines := strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n")
	for _, rawLine := range lines {
		line := strings.TrimSpace(rawLine)

		if line == "" {
			flush()

			continue
		}

		if match := cueLinePattern.FindStringSubmatch(line); match != nil {
			var cue pendingCues
			if parseCue(match[1], &cue) {
				flush()
				cues.merge(cue)

				continue
			}
		}

		paragraph = append(paragraph, line)
	}

	flush()

	if !cues.empty() && len(blocks) > 0 {
		cues.applyTo(&blocks[len(blocks)-1])
	}

	return blocks
}

func newBlock(sequence int, paragraph string) core.Block {
	speaker := NarratorSpeaker
	narration := paragraph

	if match := speakerPattern.FindStringSubmatch(paragraph); match != nil {
		speaker = strings.TrimSpace(match[1])
		narration = match[2]
	}

	return core.Block{
		ID:            uuid.NewString(),
		Sequence:      sequence,
		Speaker:       speaker,
		NarrationText: whitespacePattern.ReplaceAllString(strings.TrimSpace(narration), " "),
		Narration:     core.AssetSlot{State: core.SlotAbsent},
		SFX:           core.AssetSlot{State: core.SlotAbsent},
		Music:         core.AssetSlot{State: core.SlotAbsent},
	}
}

// parseCue records a bracketed cue and reports whether the text was a recognized cue.
func parseCue(inner string, cues *pendingCues) bool {
	head, body, _ := strings.Cut(inner, ":")
	head = strings.ToUpper(whitespacePattern.ReplaceAllString(strings.TrimSpace(head), " "))
	body = strings.TrimSpace(body)

	switch {
	case strings.HasPrefix(head, cueSFX):
		if body == "" {
			return false
		}

		cues.sfx = append(cues.sfx, body)
		cues.sfxOffsetMS = parseOffset(strings.TrimSpace(strings.TrimPrefix(head, cueSFX)))

		return true
	case head == cueMusicFadeIn:
		cues.music = &core.MusicCue{Description: body, Action: core.MusicFadeIn}

		return true
	case head == cueMusicFadeOu:
		cues.music = &core.MusicCue{Description: body, Action: core.MusicFadeOut}

		return true
	case head == cueMusic:
		if strings.EqualFold(body, cueMusicStop) {
			cues.music = &core.MusicCue{Action: core.MusicStop}

			return true
		}

		if body == "" {
			return false
		}

		cues.music = &core.MusicCue{Description: body, Action: core.MusicStart}

		return true
	default:
		return false
	}
}

// parseOffset reads "+1500ms" or "+1.5s" style offsets; anything else is zero.
func parseOffset(value string) int64 {
	value = strings.TrimPrefix(strings.TrimPrefix(value, "@"), "+")
	if value == "" {
		return 0
	}

	if number, found := strings.CutSuffix(value, msSuffix); found {
		parsed, err := strconv.ParseInt(strings.TrimSpace(number), 10, 64)
		if err != nil || parsed < 0 {
			return 0
		}

		return parsed
	}

	if number, found := strings.CutSuffix(value, secondsSuffix); found {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
		if err != nil || parsed < 0 {
			return 0
		}

		return int64(parsed * msPerSecond)
	}

	return 0
}

func joinDescriptions(existing string, more ...string) string {
	parts := make([]string, 0, len(more)+1)
	if existing != "" {
		parts = append(parts, existing)
	}

	parts = append(parts, more...)

	return strings.Join(parts, ", ")
}
