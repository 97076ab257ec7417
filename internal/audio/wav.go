package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/book-expert/audio-producer/internal/core"
)

const (
	wavHeaderSize    = 44
	wavFmtChunkSize  = 16
	wavPCMFormat     = 1
	wavBitsPerSample = 16
	wavChunkIDSize   = 4
	toneAmplitude    = 0.25
	maxInt16         = 32767
)

// ErrNotWAV is returned by WAVProber for files that are not PCM WAV.
var ErrNotWAV = errors.New("not a PCM wav file")

// EncodeWAV wraps interleaved 16-bit samples in a canonical PCM WAV header.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	dataSize := len(samples) * 2
	blockAlign := channels * wavBitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buffer bytes.Buffer

	buffer.Grow(wavHeaderSize + dataSize)
	buffer.WriteString("RIFF")
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(36+dataSize))
	buffer.WriteString("WAVE")
	buffer.WriteString("fmt ")
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(wavFmtChunkSize))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(wavPCMFormat))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buffer, binary.LittleEndian, uint16(wavBitsPerSample))
	buffer.WriteString("data")
	_ = binary.Write(&buffer, binary.LittleEndian, uint32(dataSize))
	_ = binary.Write(&buffer, binary.LittleEndian, samples)

	return buffer.Bytes()
}

// Tone renders a sine tone as WAV. A zero frequency renders silence.
func Tone(durationMS int64, frequencyHz float64, sampleRate, channels int) []byte {
	frames := int(durationMS * int64(sampleRate) / millisPerSec)
	samples := make([]int16, frames*channels)

	if frequencyHz > 0 {
		step := 2 * math.Pi * frequencyHz / float64(sampleRate)
		for frame := range frames {
			value := int16(math.Sin(step*float64(frame)) * toneAmplitude * maxInt16)
			for channel := range channels {
				samples[frame*channels+channel] = value
			}
		}
	}

	return EncodeWAV(samples, sampleRate, channels)
}

// WAVProber implements core.Prober for PCM WAV files without external tools.
type WAVProber struct{}

// Probe reads the RIFF header of path.
func (WAVProber) Probe(_ context.Context, path string) (core.AudioInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return core.AudioInfo{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return core.AudioInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	header := make([]byte, 12)

	_, readErr := io.ReadFull(file, header)
	if readErr != nil || string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return core.AudioInfo{}, fmt.Errorf("%s: %w", path, ErrNotWAV)
	}

	var (
		channels   int
		sampleRate int
		byteRate   int
	)

	for {
		chunkHeader := make([]byte, 8)

		_, chunkErr := io.ReadFull(file, chunkHeader)
		if chunkErr != nil {
			return core.AudioInfo{}, fmt.Errorf("%s: %w: missing data chunk", path, ErrNotWAV)
		}

		chunkID := string(chunkHeader[:wavChunkIDSize])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[wavChunkIDSize:]))

		if chunkID == "data" {
			if byteRate == 0 {
				return core.AudioInfo{}, fmt.Errorf("%s: %w: data before fmt", path, ErrNotWAV)
			}

			return core.AudioInfo{
				Codec:         "pcm_s16le",
				ChannelLayout: LayoutName("", channels),
				DurationMS:    chunkSize * millisPerSec / int64(byteRate),
				SizeBytes:     stat.Size(),
				SampleRate:    sampleRate,
				Channels:      channels,
			}, nil
		}

		body := make([]byte, chunkSize+chunkSize%2)

		_, bodyErr := io.ReadFull(file, body)
		if bodyErr != nil {
			return core.AudioInfo{}, fmt.Errorf("%s: %w: truncated %q chunk", path, ErrNotWAV, chunkID)
		}

		if chunkID == "fmt " && len(body) >= wavFmtChunkSize {
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			byteRate = int(binary.LittleEndian.Uint32(body[8:12]))
		}
	}
}
