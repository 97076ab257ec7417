// Package audio_test tests probing, validation and output formats.
package audio_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
)

const stereoProbeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "mjpeg", "codec_type": "video"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100",
     "channels": 2, "channel_layout": "stereo", "duration": "12.480000"}
  ],
  "format": {"filename": "a.m4a", "duration": "12.500000", "size": "204800", "format_name": "mov,mp4,m4a"}
}`

type fakeRunner struct {
	err    error
	output string
	calls  [][]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))

	return []byte(r.output), r.err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestFFprobe_Probe(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{output: stereoProbeJSON}
	prober := audio.NewFFprobe(runner, "/opt/ffprobe")

	info, err := prober.Probe(context.Background(), "a.m4a")
	require.NoError(t, err)

	assert.Equal(t, int64(12500), info.DurationMS)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, "stereo", info.ChannelLayout)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, int64(204800), info.SizeBytes)
	assert.Equal(t, "aac", info.Codec)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/opt/ffprobe", runner.calls[0][0])
	assert.Equal(t, "a.m4a", runner.calls[0][len(runner.calls[0])-1])
}

func TestFFprobe_ProbeFailures(t *testing.T) {
	t.Parallel()

	_, err := audio.NewFFprobe(&fakeRunner{}, "").Probe(context.Background(), " ")
	require.ErrorIs(t, err, audio.ErrEmptyPath)

	_, err = audio.NewFFprobe(&fakeRunner{output: `{"streams":[{"codec_type":"video"}],"format":{}}`}, "").
		Probe(context.Background(), "v.mp4")
	require.ErrorIs(t, err, audio.ErrNoAudioStream)

	runErr := errors.New("exit status 1")
	_, err = audio.NewFFprobe(&fakeRunner{err: runErr}, "").Probe(context.Background(), "bad.wav")
	require.ErrorIs(t, err, runErr)

	_, err = audio.NewFFprobe(&fakeRunner{output: "not json"}, "").Probe(context.Background(), "x.wav")
	require.Error(t, err)
}

func TestLayoutName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mono", audio.LayoutName("", 1))
	assert.Equal(t, "stereo", audio.LayoutName("", 2))
	assert.Equal(t, "5.1", audio.LayoutName("5.1", 6))
	assert.Equal(t, "6c", audio.LayoutName("", 6))
}

func TestWAVProber(t *testing.T) {
	t.Parallel()

	mono := writeFile(t, "mono.wav", audio.Tone(1500, 440, 8000, 1))
	stereo := writeFile(t, "stereo.wav", audio.Tone(250, 0, 16000, 2))

	info, err := audio.WAVProber{}.Probe(context.Background(), mono)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), info.DurationMS)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, "mono", info.ChannelLayout)
	assert.Equal(t, 8000, info.SampleRate)

	info, err = audio.WAVProber{}.Probe(context.Background(), stereo)
	require.NoError(t, err)
	assert.Equal(t, int64(250), info.DurationMS)
	assert.Equal(t, "stereo", info.ChannelLayout)

	_, err = audio.WAVProber{}.Probe(context.Background(), writeFile(t, "x.wav", []byte("ID3 not a wav file")))
	require.ErrorIs(t, err, audio.ErrNotWAV)
}

func TestValidator(t *testing.T) {
	t.Parallel()

	validator := audio.NewValidator(audio.WAVProber{})
	ctx := context.Background()

	good := writeFile(t, "good.wav", audio.Tone(1000, 220, 8000, 2))

	asset, err := validator.Validate(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, good, asset.FileRef)
	assert.Equal(t, int64(1000), asset.DurationMS)
	assert.Equal(t, 2, asset.Channels)
	assert.Positive(t, asset.SizeBytes)

	tests := []struct {
		name string
		path string
	}{
		{name: "missing", path: filepath.Join(t.TempDir(), "missing.wav")},
		{name: "empty", path: writeFile(t, "empty.wav", nil)},
		{name: "undecodable", path: writeFile(t, "junk.wav", []byte("<html>502 Bad Gateway</html>"))},
		{name: "zero duration", path: writeFile(t, "zero.wav", audio.Tone(0, 0, 8000, 1))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, validateErr := validator.Validate(ctx, tc.path)
			require.ErrorIs(t, validateErr, core.ErrValidation)
		})
	}
}

func TestLookupFormat(t *testing.T) {
	t.Parallel()

	format, err := audio.LookupFormat("M4B")
	require.NoError(t, err)
	require.NoError(t, format.Validate())
	assert.Equal(t, ".m4b", format.Extension)

	args := format.EncodeArgs("Tides")
	assert.Equal(t, []string{
		"-c:a", "aac", "-ar", "44100", "-ac", "2", "-b:a", "128k",
		"-metadata", "title=Tides", "-f", "ipod",
	}, args)

	wav, err := audio.LookupFormat("wav")
	require.NoError(t, err)
	assert.NotContains(t, wav.EncodeArgs("Tides"), "-metadata")

	_, err = audio.LookupFormat("aiff")
	require.ErrorIs(t, err, audio.ErrInvalidFormat)
}

func TestOutputFormat_Validate(t *testing.T) {
	t.Parallel()

	base, err := audio.LookupFormat("mp3")
	require.NoError(t, err)

	mutations := map[string]func(f *audio.OutputFormat){
		"sample rate": func(f *audio.OutputFormat) { f.SampleRate = 0 },
		"channels":    func(f *audio.OutputFormat) { f.Channels = 9 },
		"bitrate":     func(f *audio.OutputFormat) { f.Bitrate = "4k" },
		"malformed":   func(f *audio.OutputFormat) { f.Bitrate = "fast" },
		"name":        func(f *audio.OutputFormat) { f.Name = "aiff" },
	}

	for name, mutate := range mutations {
		format := base
		mutate(&format)
		require.ErrorIs(t, format.Validate(), audio.ErrInvalidFormat, name)
	}
}
