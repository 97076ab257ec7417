package director

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/book-expert/audio-producer/internal/core"
)

var (
	blockIDAliases          = []string{"block_id", "blockId", "id"}
	blockTypeAliases        = []string{"type", "Type", "kind"}
	lineAliases             = []string{"line", "text", "Text"}
	speakerAliases          = []string{"speaker", "voice_id", "voiceId"}
	styleAliases            = []string{"style", "emotion"}
	sfxDescriptionAliases   = []string{"action", "effect", "description"}
	musicDescriptionAliases = []string{"cue", "styleDescription", "style_description", "description"}
	musicActionAliases      = []string{"music_action", "musicAction", "action"}
	sfxOffsetAliases        = []string{"offset_ms", "offsetMs"}
)

const (
	sceneTypeDialogue  = "dialogue"
	sceneTypeNarration = "narration"
	sceneTypeSFX       = "sfx"
	sceneTypeMusic     = "music"
)

// ParseScene normalizes a language model's scene JSON into ordered blocks.
//
// Dialogue and narration entries become blocks. Standalone sfx and music entries attach
// to the next spoken block, or to the previous one when they trail the scene.
func ParseScene(raw []byte) ([]core.Block, error) {
	root, err := decodeRoot(raw)
	if err != nil {
		return nil, err
	}

	entries, isList := root["blocks"].([]any)
	if !isList {
		return nil, core.NewSchemaError("$.blocks", "blocks must be a list")
	}

	var (
		blocks []core.Block
		cues   pendingCues
		seen   = make(map[string]bool)
	)

	for index, entry := range entries {
		path := fmt.Sprintf("$.blocks[%d]", index)

		attributes, isObject := entry.(map[string]any)
		if !isObject {
			return nil, core.NewSchemaError(path, "block must be an object")
		}

		switch strings.ToLower(firstString(attributes, blockTypeAliases)) {
		case sceneTypeSFX:
			description := firstString(attributes, sfxDescriptionAliases)
			if description == "" {
				description = "SFX"
			}

			cues.sfx = append(cues.sfx, description)
			cues.sfxOffsetMS = offsetValue(attributes)
		case sceneTypeMusic:
			cues.music = musicCueFrom(attributes)
		case sceneTypeDialogue, sceneTypeNarration, "":
			block := sceneBlock(len(blocks), attributes, seen)
			if block.NarrationText == "" {
				continue
			}

			cues.applyTo(&block)
			blocks = append(blocks, block)
		default:
			continue
		}
	}

	if !cues.empty() && len(blocks) > 0 {
		cues.applyTo(&blocks[len(blocks)-1])
	}

	return blocks, nil
}

func sceneBlock(sequence int, attributes map[string]any, seen map[string]bool) core.Block {
	block := newBlock(sequence, "")

	id := firstString(attributes, blockIDAliases)
	if id != "" && !seen[id] {
		block.ID = id
	} else {
		block.ID = uuid.NewString()
	}

	seen[block.ID] = true

	speaker := firstString(attributes, speakerAliases)
	if speaker == "" {
		speaker = NarratorSpeaker
	}

	block.Speaker = speaker
	block.Style = firstString(attributes, styleAliases)
	block.NarrationText = whitespacePattern.ReplaceAllString(firstString(attributes, lineAliases), " ")

	return block
}

func musicCueFrom(attributes map[string]any) *core.MusicCue {
	action := core.MusicStart

	for _, alias := range musicActionAliases {
		candidate := core.MusicAction(strings.ToLower(stringify(attributes[alias])))
		if isMusicAction(candidate) {
			action = candidate

			break
		}
	}

	description := firstString(attributes, musicDescriptionAliases)
	if description == "" {
		if value := firstString(attributes, []string{"action"}); !isMusicAction(core.MusicAction(strings.ToLower(value))) {
			description = value
		}
	}

	if description == "" && action.Opens() {
		description = "Music"
	}

	return &core.MusicCue{Description: description, Action: action}
}

func isMusicAction(action core.MusicAction) bool {
	switch action {
	case core.MusicStart, core.MusicFadeIn, core.MusicSustain, core.MusicStop, core.MusicFadeOut:
		return true
	default:
		return false
	}
}

func offsetValue(attributes map[string]any) int64 {
	value := firstString(attributes, sfxOffsetAliases)
	if value == "" {
		return 0
	}

	return parseOffset(value + msSuffix)
}
