package assembly

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	mixLabel        = "[mix]"
	channelJoin     = "|"
	defaultChannels = 2
)

// Input is one file fed to the mixer with its probed channel count.
type Input struct {
	Path     string
	DelayMS  int64
	Channels int
}

// DelayFilter returns an adelay filter with one delay per channel, so a mono input gets
// "adelay=N" and a stereo one "adelay=N|N".
func DelayFilter(delayMS int64, channels int) string {
	if channels < 1 {
		channels = 1
	}

	delay := strconv.FormatInt(max(delayMS, 0), 10)
	delays := make([]string, channels)

	for index := range delays {
		delays[index] = delay
	}

	return "adelay=" + strings.Join(delays, channelJoin)
}

// FilterGraph builds the filter_complex that delays every input to its offset, converts it
// to the output sample rate and layout, and mixes the result into [mix]. The mix lasts as
// long as the longest input and keeps every input at full level.
func FilterGraph(inputs []Input, sampleRate, outputChannels int) string {
	if outputChannels < 1 {
		outputChannels = defaultChannels
	}

	layout := channelLayout(outputChannels)
	parts := make([]string, 0, len(inputs)+1)
	labels := make([]string, 0, len(inputs))

	for index, input := range inputs {
		label := fmt.Sprintf("[a%d]", index)
		parts = append(parts, fmt.Sprintf("[%d:a]%s,aformat=sample_rates=%d:channel_layouts=%s%s",
			index, DelayFilter(input.DelayMS, input.Channels), sampleRate, layout, label))
		labels = append(labels, label)
	}

	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0:normalize=0%s",
		strings.Join(labels, ""), len(inputs), mixLabel))

	return strings.Join(parts, ";")
}

func channelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case defaultChannels:
		return "stereo"
	default:
		return strconv.Itoa(channels) + "c"
	}
}
