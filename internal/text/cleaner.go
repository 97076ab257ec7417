// Package text cleans narration and dialogue text before it is sent to a narration backend.
//
// Upstream scripts are often written or rewritten by a language model that leaves stage
// directions ("she whispered", "laughing") inside spoken lines. A narration voice would read
// those aloud, so they are removed here together with typographic noise.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for text cleaning.
const (
	numberRegexPattern      = `\b\d+\b`
	whitespaceRegexPattern  = `\s+`
	spaceBeforePunctPattern = `\s+([,.!?;:])`
	doubleCommaPattern      = `,(\s*,)+`
	leadingCommaPattern     = `^\s*,\s*`
	trailingCommaPattern    = `\s*,\s*$`
	pronounPattern          = `(?:she|he|they|it)`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Stage directions that are removed from dialogue.
var dialogueDirectionPatterns = []string{
	`,?\s*\b` + pronounPattern + `\s+said\b`,
	`,?\s*\bsaid\s+(?:the narrator)\b`,
	`,?\s*\b` + pronounPattern + `\s+shouted(?:\s+(?:excitedly|angrily|loudly))?\b`,
	`,?\s*\b` + pronounPattern + `\s+whispered(?:\s+(?:quietly|softly))?\b`,
	`,?\s*\b` + pronounPattern + `\s+(?:exclaimed|asked|replied|murmured|muttered|yelled|called)\b`,
	`,?\s*\b(?:shouted|whispered|exclaimed|replied|murmured|muttered)\b`,
	`,?\s*\b(?:excitedly|angrily|sadly|happily|cheerfully|quietly|softly|loudly|urgently)\b`,
	`\b(?:laughing|laughs|laugh|laught)\b`,
}

// Emotion adverbs that are removed from narration.
var narrationAdverbPattern = `\b(?:heavily|quickly|slowly|angrily|sadly|happily|excitedly|nervously)\b`

// Cleaner removes stage directions and normalizes spoken text.
type Cleaner struct {
	dialoguePatterns       []*regexp.Regexp
	narrationPattern       *regexp.Regexp
	numberPattern          *regexp.Regexp
	whitespacePattern      *regexp.Regexp
	spaceBeforePunctuation *regexp.Regexp
	doubleComma            *regexp.Regexp
	leadingComma           *regexp.Regexp
	trailingComma          *regexp.Regexp
	abbreviationReplacer   *strings.Replacer
	typographyReplacer     *strings.Replacer
}

// NewCleaner creates a cleaner with compiled patterns and replacers.
func NewCleaner() *Cleaner {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Prof.", "Professor",
		"Capt.", "Captain",
	}

	dialoguePatterns := make([]*regexp.Regexp, 0, len(dialogueDirectionPatterns))
	for _, pattern := range dialogueDirectionPatterns {
		dialoguePatterns = append(dialoguePatterns, regexp.MustCompile(`(?i)`+pattern))
	}

	return &Cleaner{
		dialoguePatterns:       dialoguePatterns,
		narrationPattern:       regexp.MustCompile(`(?i)` + narrationAdverbPattern),
		numberPattern:          regexp.MustCompile(numberRegexPattern),
		whitespacePattern:      regexp.MustCompile(whitespaceRegexPattern),
		spaceBeforePunctuation: regexp.MustCompile(spaceBeforePunctPattern),
		doubleComma:            regexp.MustCompile(doubleCommaPattern),
		leadingComma:           regexp.MustCompile(leadingCommaPattern),
		trailingComma:          regexp.MustCompile(trailingCommaPattern),
		abbreviationReplacer:   strings.NewReplacer(abbreviations...),
		typographyReplacer: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Clean prepares a block's narration text. Dialogue gets the stricter stage-direction pass.
func (c *Cleaner) Clean(text string, dialogue bool) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	cleaned := c.typographyReplacer.Replace(text)
	cleaned = c.abbreviationReplacer.Replace(cleaned)
	cleaned = c.normalizeNumbers(cleaned)

	if dialogue {
		cleaned = c.removeStageDirections(cleaned)
	} else {
		cleaned = c.narrationPattern.ReplaceAllString(cleaned, " ")
	}

	cleaned = c.tidy(cleaned)
	cleaned = capitalizeFirst(cleaned)

	return ensureSentenceEnding(cleaned)
}

// CleanDialogue removes stage directions from a spoken line.
func (c *Cleaner) CleanDialogue(text string) string {
	return c.Clean(text, true)
}

// CleanNarration removes emotion adverbs from narrator text.
func (c *Cleaner) CleanNarration(text string) string {
	return c.Clean(text, false)
}

func (c *Cleaner) removeStageDirections(text string) string {
	for _, pattern := range c.dialoguePatterns {
		text = pattern.ReplaceAllString(text, " ")
	}

	return text
}

func (c *Cleaner) tidy(text string) string {
	text = c.whitespacePattern.ReplaceAllString(text, " ")
	text = c.spaceBeforePunctuation.ReplaceAllString(text, "$1")
	text = c.doubleComma.ReplaceAllString(text, ",")
	text = c.leadingComma.ReplaceAllString(text, "")
	text = c.trailingComma.ReplaceAllString(text, "")

	return strings.TrimSpace(text)
}

// normalizeNumbers spells out standalone integers.
func (c *Cleaner) normalizeNumbers(text string) string {
	return c.numberPattern.ReplaceAllStringFunc(text, func(match string) string {
		number, err := strconv.Atoi(match)
		if err != nil {
			return match
		}

		return IntegerToWords(number)
	})
}

func capitalizeFirst(text string) string {
	first, size := utf8.DecodeRuneInString(text)
	if first == utf8.RuneError || !unicode.IsLower(first) {
		return text
	}

	return string(unicode.ToUpper(first)) + text[size:]
}

// ensureSentenceEnding appends a period unless the text already ends a sentence.
func ensureSentenceEnding(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	core := strings.TrimRight(trimmed, `"')`)
	if core == "" {
		return trimmed
	}

	lastChar, _ := utf8.DecodeLastRuneInString(core)

	switch lastChar {
	case '.', '!', '?':
		return trimmed
	case ',', ';', ':', '-':
		return strings.TrimRight(core, ",;:- ") + "." + trimmed[len(core):]
	default:
		return trimmed + "."
	}
}
