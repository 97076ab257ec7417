// Package director turns raw scripts and language-model output into production blocks
// and a series bible.
package director

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/book-expert/audio-producer/internal/core"
)

// Recognized field names per logical attribute, in priority order.
var (
	DescriptionAliases = []string{
		"description",
		"Description",
		"physical_personality_description",
		"physicalDescription",
		"PhysicalDescription",
		"physical_description",
		"appearance",
		"visual_description",
	}
	NameAliases        = []string{"name", "Name"}
	VoiceIDAliases     = []string{"voice_id", "voiceId", "voice_provider_id", "voice"}
	VoiceRefAliases    = []string{"voice_ref", "voiceReference", "voice_reference", "VoiceReference"}
	GenderAliases      = []string{"gender", "Gender"}
	CharactersAliases  = []string{"characters", "Characters"}
	GlobalNotesAliases = []string{"global_notes", "globalNotes", "GlobalNotes", "globalAtmosphereNotes"}
	TitleAliases       = []string{"project_title", "projectTitle", "title", "Title"}
)

const unnamedCharacterFormat = "Character %d"

// CreateSeriesBible normalizes raw language-model output into a SeriesBible.
//
// Three shapes are accepted: an object with a characters list, an object with a
// characters mapping, and a bare mapping of names to attribute objects. A single-element
// list wrapping any of those is unwrapped first. Missing attributes default to empty
// strings; only a malformed structure returns a *core.SchemaError.
func CreateSeriesBible(raw []byte) (core.SeriesBible, error) {
	root, err := decodeRoot(raw)
	if err != nil {
		return core.SeriesBible{}, err
	}

	bible := core.SeriesBible{
		Characters:  make(map[string]core.Character),
		Title:       firstString(root, TitleAliases),
		GlobalNotes: firstString(root, GlobalNotesAliases),
	}

	charactersKey, charactersValue, hasCharacters := firstPresent(root, CharactersAliases)
	if !hasCharacters {
		return bible, addMapping(&bible, root, "$", skipMetaKeys)
	}

	switch characters := charactersValue.(type) {
	case []any:
		return bible, addList(&bible, characters, "$."+charactersKey)
	case map[string]any:
		return bible, addMapping(&bible, characters, "$."+charactersKey, nil)
	case nil:
		return bible, nil
	default:
		return core.SeriesBible{}, core.NewSchemaError("$."+charactersKey, "characters must be a list or a mapping")
	}
}

func decodeRoot(raw []byte) (map[string]any, error) {
	var decoded any

	decoder := json.NewDecoder(bytes.NewReader(stripCodeFence(raw)))
	decoder.UseNumber()

	decodeErr := decoder.Decode(&decoded)
	if decodeErr != nil {
		return nil, core.NewSchemaError("$", "invalid JSON: "+decodeErr.Error())
	}

	if list, isList := decoded.([]any); isList {
		if len(list) == 0 {
			return nil, core.NewSchemaError("$", "empty list")
		}

		decoded = list[0]
	}

	root, isObject := decoded.(map[string]any)
	if !isObject {
		return nil, core.NewSchemaError("$", fmt.Sprintf("expected an object, got %s", jsonKind(decoded)))
	}

	return root, nil
}

func addList(bible *core.SeriesBible, characters []any, path string) error {
	for index, entry := range characters {
		attributes, isObject := entry.(map[string]any)
		if !isObject {
			return core.NewSchemaError(fmt.Sprintf("%s[%d]", path, index), "character must be an object")
		}

		name := firstString(attributes, NameAliases)
		if name == "" {
			name = fmt.Sprintf(unnamedCharacterFormat, index+1)
		}

		bible.Characters[name] = characterFrom(name, attributes)
	}

	return nil
}

func addMapping(bible *core.SeriesBible, mapping map[string]any, path string, skip map[string]bool) error {
	for name, entry := range mapping {
		if skip[name] {
			continue
		}

		attributes, isObject := entry.(map[string]any)
		if !isObject {
			return core.NewSchemaError(path+"."+name, "character attributes must be an object")
		}

		if alias := firstString(attributes, NameAliases); alias != "" {
			name = alias
		}

		bible.Characters[name] = characterFrom(name, attributes)
	}

	return nil
}

func characterFrom(name string, attributes map[string]any) core.Character {
	return core.Character{
		Name:        name,
		Description: firstString(attributes, DescriptionAliases),
		VoiceID:     firstString(attributes, VoiceIDAliases),
		VoiceRef:    firstString(attributes, VoiceRefAliases),
		Gender:      strings.ToLower(firstString(attributes, GenderAliases)),
	}
}

// skipMetaKeys are bible-level keys that are never character names in the bare mapping shape.
var skipMetaKeys = func() map[string]bool {
	keys := make(map[string]bool)
	for _, group := range [][]string{GlobalNotesAliases, TitleAliases} {
		for _, key := range group {
			keys[key] = true
		}
	}

	return keys
}()

func firstPresent(attributes map[string]any, aliases []string) (string, any, bool) {
	for _, alias := range aliases {
		value, present := attributes[alias]
		if present {
			return alias, value, true
		}
	}

	return "", nil, false
}

// firstString returns the first present, non-null alias value as text.
func firstString(attributes map[string]any, aliases []string) string {
	for _, alias := range aliases {
		value, present := attributes[alias]
		if !present || value == nil {
			continue
		}

		return stringify(value)
	}

	return ""
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}

		return string(encoded)
	}
}

func jsonKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// stripCodeFence removes a markdown code fence that models often wrap JSON in.
func stripCodeFence(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("```")) {
		return trimmed
	}

	if newline := bytes.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}

	trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))

	return bytes.TrimSpace(trimmed)
}
