// Package audio inspects and validates audio files and describes the output containers
// a render can produce.
package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Defaults for rendered output.
const (
	defaultSampleRate = 44100
	defaultChannels   = 2
)

// Limits for output validation.
const (
	maxSampleRate = 192000
	maxChannels   = 8
	minBitrateK   = 8
	maxBitrateK   = 512
)

// Error message formats.
const (
	errFmtUnknownFormat    = "%w: unknown output format %q"
	errFmtSampleRateRange  = "%w: sample rate must be between 1 and %d Hz"
	errFmtChannelsRange    = "%w: channels must be between 1 and %d"
	errFmtBitrateRange     = "%w: bitrate must be between %dk and %dk"
	errFmtBitrateMalformed = "%w: bitrate %q is not of the form <n>k"
)

// ErrInvalidFormat is returned for unknown or impossible output settings.
var ErrInvalidFormat = errors.New("invalid output format")

// Output container names.
const (
	FormatM4B  = "m4b"
	FormatM4A  = "m4a"
	FormatMP3  = "mp3"
	FormatWAV  = "wav"
	FormatFLAC = "flac"
	FormatOGG  = "ogg"
)

// OutputFormat describes how the final mix is encoded.
type OutputFormat struct {
	Name       string `json:"name"`
	Extension  string `json:"extension"`
	Muxer      string `json:"muxer"`
	Codec      string `json:"codec"`
	Bitrate    string `json:"bitrate,omitempty"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	// Tagged containers carry a title metadata tag.
	Tagged bool `json:"tagged"`
}

var outputFormats = map[string]OutputFormat{
	FormatM4B:  {Name: FormatM4B, Extension: ".m4b", Muxer: "ipod", Codec: "aac", Bitrate: "128k", Tagged: true},
	FormatM4A:  {Name: FormatM4A, Extension: ".m4a", Muxer: "ipod", Codec: "aac", Bitrate: "192k", Tagged: true},
	FormatMP3:  {Name: FormatMP3, Extension: ".mp3", Muxer: "mp3", Codec: "libmp3lame", Bitrate: "192k", Tagged: true},
	FormatWAV:  {Name: FormatWAV, Extension: ".wav", Muxer: "wav", Codec: "pcm_s16le"},
	FormatFLAC: {Name: FormatFLAC, Extension: ".flac", Muxer: "flac", Codec: "flac", Tagged: true},
	FormatOGG:  {Name: FormatOGG, Extension: ".ogg", Muxer: "ogg", Codec: "libvorbis", Bitrate: "160k", Tagged: true},
}

// LookupFormat returns the encoding settings of a named output format.
func LookupFormat(name string) (OutputFormat, error) {
	format, found := outputFormats[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return OutputFormat{}, fmt.Errorf(errFmtUnknownFormat, ErrInvalidFormat, name)
	}

	format.SampleRate = defaultSampleRate
	format.Channels = defaultChannels

	return format, nil
}

// Validate checks that the settings are within reasonable bounds.
func (f *OutputFormat) Validate() error {
	if _, known := outputFormats[f.Name]; !known {
		return fmt.Errorf(errFmtUnknownFormat, ErrInvalidFormat, f.Name)
	}

	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels)
	}

	return validateBitrate(f.Bitrate)
}

// EncodeArgs returns the ffmpeg output options for this format.
func (f *OutputFormat) EncodeArgs(title string) []string {
	args := []string{
		"-c:a", f.Codec,
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
	}

	if f.Bitrate != "" {
		args = append(args, "-b:a", f.Bitrate)
	}

	if f.Tagged && title != "" {
		args = append(args, "-metadata", "title="+title)
	}

	return append(args, "-f", f.Muxer)
}

func validateBitrate(bitrate string) error {
	if bitrate == "" {
		return nil
	}

	digits, found := strings.CutSuffix(strings.ToLower(bitrate), "k")
	if !found {
		return fmt.Errorf(errFmtBitrateMalformed, ErrInvalidFormat, bitrate)
	}

	kilobits, err := strconv.Atoi(digits)
	if err != nil {
		return fmt.Errorf(errFmtBitrateMalformed, ErrInvalidFormat, bitrate)
	}

	if kilobits < minBitrateK || kilobits > maxBitrateK {
		return fmt.Errorf(errFmtBitrateRange, ErrInvalidFormat, minBitrateK, maxBitrateK)
	}

	return nil
}
