package director

import (
	"strings"
	"unicode"

	"github.com/book-expert/audio-producer/internal/core"
)

// DefaultNarratorVoice is the neutral voice reserved for the narrator.
const DefaultNarratorVoice = "af_nicole"

const voiceEngineSeparator = ":"

// Voices known to the default narration engine.
const (
	voiceYoungFemale    = "af_sarah"
	voiceBrightFemale   = "af_sky"
	voiceWarmFemale     = "af_bella"
	voiceMatureMale     = "am_adam"
	voiceConfidentMale  = "am_michael"
	voiceBritishFemale  = "bf_emma"
	voiceElegantFemale  = "bf_isabella"
	voiceBritishMale    = "bm_george"
	voiceWarmBritishMan = "bm_lewis"
)

var (
	maleWords    = wordSet("male", "man", "boy", "father", "brother", "son", "he", "his", "him", "king", "husband")
	femaleWords  = wordSet("female", "woman", "girl", "mother", "sister", "daughter", "she", "her", "queen", "wife")
	britishWords = wordSet("british", "uk", "london", "english", "scottish")
	youngWords   = wordSet("young", "teen", "teenage", "child", "youthful", "energetic", "enthusiastic")
	matureWords  = wordSet("mature", "adult", "middle-aged", "elderly", "old", "warm", "nurturing")
)

// VoiceSelection is the resolved narration voice for one speaker.
type VoiceSelection struct {
	// Engine is the narration backend named by an "engine:voice" id, or "".
	Engine string
	Voice  string
	Style  string
}

// VoiceMapper assigns narration voices to the speakers of a series bible.
type VoiceMapper struct {
	assignments  map[string]string
	defaultVoice string
}

// NewVoiceMapper assigns a voice to every bible character.
//
// Characters with an explicit voice id keep it. The rest are matched on gender, accent and
// age keywords in their description and voice reference, spreading female speakers over
// the young voices so two characters rarely share one.
func NewVoiceMapper(bible core.SeriesBible, defaultVoice string) *VoiceMapper {
	if defaultVoice == "" {
		defaultVoice = DefaultNarratorVoice
	}

	mapper := &VoiceMapper{
		assignments:  map[string]string{NarratorSpeaker: defaultVoice},
		defaultVoice: defaultVoice,
	}

	used := make(map[string]bool)

	for _, name := range bible.Names() {
		character := bible.Characters[name]

		voice := character.VoiceID
		if voice == "" {
			voice = selectVoice(character, used)
		}

		mapper.assignments[name] = voice
		used[voice] = true
	}

	return mapper
}

// Assignments returns a copy of the speaker to voice table.
func (m *VoiceMapper) Assignments() map[string]string {
	assignments := make(map[string]string, len(m.assignments))
	for speaker, voice := range m.assignments {
		assignments[speaker] = voice
	}

	return assignments
}

// Resolve picks the voice for a block, applying project overrides and single-voice mode.
func (m *VoiceMapper) Resolve(block *core.Block, settings core.Settings) VoiceSelection {
	speaker := block.Speaker
	if speaker == "" {
		speaker = NarratorSpeaker
	}

	voice := block.VoiceID
	if voice == "" {
		voice = m.voiceFor(speaker)
	}

	style := block.Style

	if override, found := settings.VoiceOverrides[speaker]; found {
		if override.Voice != "" {
			voice = override.Voice
		}

		if override.Style != "" {
			style = override.Style
		}
	}

	if settings.SingleVoice && speaker != NarratorSpeaker {
		voice = m.voiceFor(NarratorSpeaker)
		if override, found := settings.VoiceOverrides[NarratorSpeaker]; found && override.Voice != "" {
			voice = override.Voice
		}
	}

	engine, voiceID := SplitVoiceID(voice)

	return VoiceSelection{Engine: engine, Voice: voiceID, Style: style}
}

func (m *VoiceMapper) voiceFor(speaker string) string {
	if voice, found := m.assignments[speaker]; found {
		return voice
	}

	return m.defaultVoice
}

// SplitVoiceID separates an "engine:voice" id; plain ids have no engine.
func SplitVoiceID(voice string) (string, string) {
	engine, voiceID, found := strings.Cut(voice, voiceEngineSeparator)
	if !found {
		return "", voice
	}

	return engine, voiceID
}

func selectVoice(character core.Character, used map[string]bool) string {
	vocabulary := wordSet(strings.FieldsFunc(
		strings.ToLower(character.Description+" "+character.VoiceRef),
		func(r rune) bool { return !unicode.IsLetter(r) && r != '-' },
	)...)

	var isMale bool

	switch character.Gender {
	case "male":
		isMale = true
	case "female":
		isMale = false
	case "neutral":
		return DefaultNarratorVoice
	default:
		isMale = vocabulary.any(maleWords) && !vocabulary.any(femaleWords)
	}

	british := vocabulary.any(britishWords)
	young := vocabulary.any(youngWords)
	mature := vocabulary.any(matureWords)

	if isMale {
		switch {
		case british && (vocabulary["warm"] || vocabulary["nurturing"]):
			return voiceWarmBritishMan
		case british:
			return voiceBritishMale
		case mature || vocabulary["authority"] || vocabulary["authoritative"] || vocabulary["confident"]:
			return voiceMatureMale
		default:
			return voiceConfidentMale
		}
	}

	switch {
	case british && (vocabulary["elegant"] || vocabulary["refined"]):
		return voiceElegantFemale
	case british:
		return voiceBritishFemale
	case young && vocabulary["energetic"]:
		return firstUnused(used, voiceYoungFemale, voiceBrightFemale)
	case mature || vocabulary["mother"]:
		return voiceWarmFemale
	case vocabulary["professional"] || vocabulary["neutral"]:
		return DefaultNarratorVoice
	default:
		return firstUnused(used, voiceYoungFemale, voiceBrightFemale)
	}
}

func firstUnused(used map[string]bool, preferred, fallback string) string {
	if used[preferred] {
		return fallback
	}

	return preferred
}

type wordBag map[string]bool

func wordSet(values ...string) wordBag {
	set := make(wordBag, len(values))
	for _, value := range values {
		set[value] = true
	}

	return set
}

func (w wordBag) any(other wordBag) bool {
	for word := range other {
		if w[word] {
			return true
		}
	}

	return false
}
