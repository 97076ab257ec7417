package assembly_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/assembly"
	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
)

const testSampleRate = 8000

type recordingMixer struct {
	err   error
	plans []assembly.MixPlan
	mu    sync.Mutex
	empty bool
}

func (m *recordingMixer) Mix(_ context.Context, plan assembly.MixPlan, output string) error {
	m.mu.Lock()
	m.plans = append(m.plans, plan)
	m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	if m.empty {
		return os.WriteFile(output, nil, 0o600)
	}

	return os.WriteFile(output, audio.Tone(plan.ExpectedMS, 0, testSampleRate, plan.Format.Channels), 0o600)
}

type recordingRunner struct {
	err  error
	name string
	args []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.name = name
	r.args = args

	return nil, r.err
}

func resolvedSlot(t *testing.T, dir, name string, durationMS int64, channels int) core.AssetSlot {
	t.Helper()

	path := filepath.Join(dir, name+".wav")
	require.NoError(t, os.WriteFile(path, audio.Tone(durationMS, 440, testSampleRate, channels), 0o600))

	return core.AssetSlot{
		State: core.SlotResolved,
		Asset: &core.Asset{FileRef: path, DurationMS: durationMS, Channels: channels},
	}
}

// scenarioBlocks returns three blocks of 10000, 12000 and 9000 ms narration, an SFX on the
// second block and one music span over all three, deliberately out of sequence order.
func scenarioBlocks(t *testing.T) []core.Block {
	t.Helper()

	dir := t.TempDir()

	first := core.Block{
		ID:        "b1",
		Sequence:  0,
		MusicCue:  &core.MusicCue{Description: "low strings", Action: core.MusicStart},
		Narration: resolvedSlot(t, dir, "b1-narration", 10000, 1),
		Music:     resolvedSlot(t, dir, "b1-music", 33000, 2),
	}
	second := core.Block{
		ID:             "b2",
		Sequence:       1,
		SFXDescription: "door slams",
		Narration:      resolvedSlot(t, dir, "b2-narration", 12000, 1),
		SFX:            resolvedSlot(t, dir, "b2-sfx", 3000, 2),
	}
	third := core.Block{
		ID:        "b3",
		Sequence:  2,
		Narration: resolvedSlot(t, dir, "b3-narration", 9000, 1),
	}

	return []core.Block{third, first, second}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "assembly-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newEngine(t *testing.T, mixer assembly.Mixer) (*assembly.Engine, string) {
	t.Helper()

	outputDir := t.TempDir()
	prober := audio.WAVProber{}

	return assembly.NewEngine(mixer, prober, audio.NewValidator(prober), outputDir, newTestLogger(t)), outputDir
}

func TestDelayFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		want     string
		delayMS  int64
		channels int
	}{
		{name: "mono", delayMS: 1500, channels: 1, want: "adelay=1500"},
		{name: "stereo", delayMS: 1500, channels: 2, want: "adelay=1500|1500"},
		{name: "surround", delayMS: 20, channels: 6, want: "adelay=20|20|20|20|20|20"},
		{name: "unknown channels", delayMS: 7, channels: 0, want: "adelay=7"},
		{name: "negative delay", delayMS: -5, channels: 2, want: "adelay=0|0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, assembly.DelayFilter(tt.delayMS, tt.channels))
		})
	}
}

func TestFilterGraph(t *testing.T) {
	t.Parallel()

	graph := assembly.FilterGraph([]assembly.Input{
		{Path: "narration.wav", DelayMS: 0, Channels: 1},
		{Path: "sfx.wav", DelayMS: 10000, Channels: 2},
	}, 44100, 2)

	want := "[0:a]adelay=0,aformat=sample_rates=44100:channel_layouts=stereo[a0];" +
		"[1:a]adelay=10000|10000,aformat=sample_rates=44100:channel_layouts=stereo[a1];" +
		"[a0][a1]amix=inputs=2:duration=longest:dropout_transition=0:normalize=0[mix]"
	assert.Equal(t, want, graph)
}

func TestLayout_Scenario(t *testing.T) {
	t.Parallel()

	timeline := assembly.Layout(scenarioBlocks(t), core.Settings{})

	assert.Equal(t, map[string]int64{"b1": 0, "b2": 10000, "b3": 22000}, timeline.BlockStarts)
	assert.Equal(t, int64(31000), timeline.NarrationMS)
	assert.Equal(t, int64(33000), timeline.DurationMS)
	assert.Equal(t, 3, timeline.Count(core.KindNarration))
	assert.Equal(t, 1, timeline.Count(core.KindSFX))
	assert.Equal(t, 1, timeline.Count(core.KindMusic))

	for _, placement := range timeline.Placements {
		if placement.Kind == core.KindSFX {
			assert.Equal(t, "b2", placement.BlockID)
			assert.Equal(t, int64(10000), placement.StartMS)
		}
	}
}

func TestLayout_SilenceAndOffsets(t *testing.T) {
	t.Parallel()

	blocks := scenarioBlocks(t)
	for index := range blocks {
		if blocks[index].ID == "b2" {
			blocks[index].SFXOffsetMS = 4000
		}
	}

	timeline := assembly.Layout(blocks, core.Settings{InterBlockSilenceMS: 500})

	assert.Equal(t, map[string]int64{"b1": 0, "b2": 10500, "b3": 23000}, timeline.BlockStarts)
	assert.Equal(t, int64(32000), timeline.NarrationMS)
	assert.Equal(t, int64(33000), timeline.DurationMS)

	for _, placement := range timeline.Placements {
		if placement.Kind == core.KindSFX {
			assert.Equal(t, int64(14500), placement.StartMS)
		}
	}
}

func TestLayout_OmitsUnresolvedAndSkippedLayers(t *testing.T) {
	t.Parallel()

	blocks := scenarioBlocks(t)
	for index := range blocks {
		if blocks[index].ID == "b1" {
			blocks[index].Narration = core.AssetSlot{State: core.SlotPending}
		}
	}

	timeline := assembly.Layout(blocks, core.Settings{InterBlockSilenceMS: 500, SkipSFX: true})

	assert.Equal(t, int64(0), timeline.BlockStarts["b2"])
	assert.Equal(t, int64(12500), timeline.BlockStarts["b3"])
	assert.Equal(t, int64(21500), timeline.NarrationMS)
	assert.Equal(t, 2, timeline.Count(core.KindNarration))
	assert.Equal(t, 0, timeline.Count(core.KindSFX))
	assert.Equal(t, 0, timeline.Count(core.KindMusic))
}

func TestEngine_Assemble(t *testing.T) {
	t.Parallel()

	mixer := &recordingMixer{}
	engine, outputDir := newEngine(t, mixer)

	output, err := engine.Assemble(context.Background(), assembly.Request{
		ProjectID: "tides",
		RenderID:  "r1",
		Title:     "Tides",
		Blocks:    scenarioBlocks(t),
		Settings:  core.Settings{MusicBufferMS: 2000},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outputDir, "tides", "r1.m4b"), output.Path)
	assert.Equal(t, output.Path, output.Asset.FileRef)
	assert.Equal(t, int64(33000), output.Asset.DurationMS)
	assert.Equal(t, int64(31000), output.Timeline.NarrationMS)
	assert.FileExists(t, output.Path)
	assert.NoFileExists(t, output.Path+".partial")

	require.Len(t, mixer.plans, 1)

	plan := mixer.plans[0]
	assert.Equal(t, "Tides", plan.Title)
	assert.Equal(t, audio.FormatM4B, plan.Format.Name)
	require.Len(t, plan.Inputs, 5)

	channels := map[string]int{}
	for _, input := range plan.Inputs {
		channels[filepath.Base(input.Path)] = input.Channels
	}

	assert.Equal(t, 1, channels["b2-narration.wav"])
	assert.Equal(t, 2, channels["b2-sfx.wav"])
	assert.Equal(t, 2, channels["b1-music.wav"])

	graph := assembly.FilterGraph(plan.Inputs, plan.Format.SampleRate, plan.Format.Channels)
	assert.Contains(t, graph, "adelay=10000,")
	assert.Contains(t, graph, "adelay=10000|10000,")
	assert.Contains(t, graph, "amix=inputs=5:duration=longest")
}

func TestEngine_AssembleIsIdempotent(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t, &recordingMixer{})
	blocks := scenarioBlocks(t)

	first, err := engine.Assemble(context.Background(), assembly.Request{ProjectID: "p", RenderID: "one", Blocks: blocks})
	require.NoError(t, err)

	second, err := engine.Assemble(context.Background(), assembly.Request{ProjectID: "p", RenderID: "two", Blocks: blocks})
	require.NoError(t, err)

	assert.Equal(t, first.Asset.DurationMS, second.Asset.DurationMS)
	assert.Equal(t, first.Timeline, second.Timeline)
}

func TestEngine_AssembleFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mixer  *recordingMixer
		mutate func([]core.Block) []core.Block
		want   error
		name   string
		format string
	}{
		{name: "mixer fails", mixer: &recordingMixer{err: errors.New("ffmpeg exited 1")}},
		{name: "empty output", mixer: &recordingMixer{empty: true}, want: core.ErrValidation},
		{name: "unknown format", mixer: &recordingMixer{}, format: "aiff", want: audio.ErrInvalidFormat},
		{
			name:  "no narration",
			mixer: &recordingMixer{},
			mutate: func(blocks []core.Block) []core.Block {
				for index := range blocks {
					blocks[index].Narration = core.AssetSlot{State: core.SlotAbsent}
				}

				return blocks
			},
			want: assembly.ErrNothingToAssemble,
		},
		{
			name:  "missing asset file",
			mixer: &recordingMixer{},
			mutate: func(blocks []core.Block) []core.Block {
				blocks[0].Narration.Asset.FileRef = "/nonexistent/narration.wav"

				return blocks
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine, outputDir := newEngine(t, tt.mixer)

			blocks := scenarioBlocks(t)
			if tt.mutate != nil {
				blocks = tt.mutate(blocks)
			}

			_, err := engine.Assemble(context.Background(), assembly.Request{
				ProjectID: "p",
				RenderID:  "r",
				Blocks:    blocks,
				Settings:  core.Settings{OutputFormat: tt.format},
			})
			require.ErrorIs(t, err, core.ErrAssembly)

			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
			}

			assert.NoFileExists(t, filepath.Join(outputDir, "p", "r.m4b"))
			assert.NoFileExists(t, filepath.Join(outputDir, "p", "r.m4b.partial"))
		})
	}
}

func TestFFmpegMixer_Mix(t *testing.T) {
	t.Parallel()

	format, err := audio.LookupFormat(audio.FormatMP3)
	require.NoError(t, err)

	runner := &recordingRunner{}
	mixer := assembly.NewFFmpegMixer(runner, "")

	plan := assembly.MixPlan{
		Title:  "Tides",
		Format: format,
		Inputs: []assembly.Input{
			{Path: "n.wav", Channels: 1},
			{Path: "m.wav", DelayMS: 250, Channels: 2},
		},
	}

	require.NoError(t, mixer.Mix(context.Background(), plan, "out.mp3"))
	assert.Equal(t, "ffmpeg", runner.name)
	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", "n.wav", "-i", "m.wav"},
		runner.args[:9])
	assert.Equal(t, "out.mp3", runner.args[len(runner.args)-1])
	assert.Contains(t, strings.Join(runner.args, " "), "-map [mix]")
	assert.Contains(t, strings.Join(runner.args, " "), "title=Tides")

	require.ErrorIs(t, mixer.Mix(context.Background(), assembly.MixPlan{Format: format}, "out.mp3"), assembly.ErrNoInputs)

	runner.err = errors.New("exit status 1")
	require.ErrorContains(t, mixer.Mix(context.Background(), plan, "out.mp3"), "ffmpeg mix failed")
}
