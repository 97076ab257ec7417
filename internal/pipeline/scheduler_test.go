package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audio-producer/internal/assembly"
	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/pipeline"
	"github.com/book-expert/audio-producer/internal/provider"
)

type fakeGenerator struct {
	durations map[string]int64
	fail      map[string]bool
	onCall    func(req core.GenerationRequest)
	requests  []core.GenerationRequest
	mu        sync.Mutex
}

func (g *fakeGenerator) Generate(_ context.Context, req core.GenerationRequest) (core.GenerationResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if g.onCall != nil {
		g.onCall(req)
	}

	if g.fail[req.BlockID] {
		return core.GenerationResult{Backend: "fake", Attempts: 3},
			fmt.Errorf("%w: backend=fake kind=%s attempt=3 error=backend: 503", core.ErrGeneration, req.Kind)
	}

	durationMS := g.durations[req.BlockID]
	if durationMS == 0 {
		durationMS = req.TargetDurationMS
	}

	return core.GenerationResult{
		Asset:    core.Asset{FileRef: req.BlockID + "-" + string(req.Kind) + ".wav", DurationMS: durationMS, Channels: 1},
		Backend:  "fake",
		Attempts: 1,
	}, nil
}

func (g *fakeGenerator) calls() []core.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]core.GenerationRequest(nil), g.requests...)
}

type fakeProviders struct {
	generators map[core.AssetKind]map[string]core.Generator
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{generators: make(map[core.AssetKind]map[string]core.Generator)}
}

// set registers generator under name; "" registers the kind's default.
func (p *fakeProviders) set(kind core.AssetKind, name string, generator core.Generator) {
	if p.generators[kind] == nil {
		p.generators[kind] = make(map[string]core.Generator)
	}

	p.generators[kind][name] = generator
}

func (p *fakeProviders) Resolve(kind core.AssetKind, name string) (core.Generator, error) {
	generator, found := p.generators[kind][name]
	if !found {
		return nil, fmt.Errorf("%w: backend=%s kind=%s reason=no backend configured", core.ErrProviderUnavailable, name, kind)
	}

	return generator, nil
}

type fakeAssembler struct {
	err      error
	requests []assembly.Request
	mu       sync.Mutex
}

func (a *fakeAssembler) Assemble(_ context.Context, req assembly.Request) (assembly.Output, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()

	if a.err != nil {
		return assembly.Output{}, fmt.Errorf("%w: %w", core.ErrAssembly, a.err)
	}

	timeline := assembly.Layout(req.Blocks, req.Settings)
	path := "renders/" + req.ProjectID + "/" + req.RenderID + ".m4b"

	return assembly.Output{
		Path:     path,
		Timeline: timeline,
		Asset:    core.Asset{FileRef: path, DurationMS: timeline.DurationMS, Channels: 2},
	}, nil
}

func (a *fakeAssembler) calls() []assembly.Request {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]assembly.Request(nil), a.requests...)
}

type memoryStore struct {
	jobs    map[string]core.GenerationJob
	slots   map[string]core.AssetSlot
	history []core.RenderHistoryEntry
	mu      sync.Mutex
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]core.GenerationJob), slots: make(map[string]core.AssetSlot)}
}

func (s *memoryStore) SaveBlockAsset(_ context.Context, _, blockID string, kind core.AssetKind, slot core.AssetSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[blockID+"/"+string(kind)] = slot

	return nil
}

func (s *memoryStore) SaveJob(_ context.Context, job core.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.BlockID+"/"+string(job.Kind)] = job

	return nil
}

func (s *memoryStore) AppendRenderHistory(_ context.Context, entry core.RenderHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)

	return nil
}

func (s *memoryStore) entries() []core.RenderHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]core.RenderHistoryEntry(nil), s.history...)
}

func (s *memoryStore) pass1Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Kind != core.KindMusic && !job.Status.Terminal() {
			return false
		}
	}

	return true
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

type fixture struct {
	scheduler *pipeline.Scheduler
	providers *fakeProviders
	narration *fakeGenerator
	sfx       *fakeGenerator
	music     *fakeGenerator
	assembler *fakeAssembler
	store     *memoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		providers: newFakeProviders(),
		narration: &fakeGenerator{durations: map[string]int64{"b1": 10000, "b2": 12000, "b3": 9000}},
		sfx:       &fakeGenerator{durations: map[string]int64{"b2": 3000}},
		music:     &fakeGenerator{},
		assembler: &fakeAssembler{},
		store:     newMemoryStore(),
	}

	f.providers.set(core.KindNarration, "", f.narration)
	f.providers.set(core.KindSFX, "", f.sfx)
	f.providers.set(core.KindMusic, "", f.music)

	scheduler, err := pipeline.New(pipeline.Options{
		Providers: f.providers,
		Assembler: f.assembler,
		Store:     f.store,
		Log:       newTestLogger(t),
	})
	require.NoError(t, err)

	f.scheduler = scheduler

	return f
}

// scenarioProject has three blocks, an SFX on the second and one music cue over all three.
func scenarioProject() core.Project {
	return core.Project{
		ID:    "tides",
		Title: "Tides",
		Blocks: []core.Block{
			{ID: "b1", Sequence: 0, NarrationText: "The harbor was quiet.", MusicCue: cue(core.MusicStart, "low strings")},
			{ID: "b2", Sequence: 1, NarrationText: "Then the door slammed.", SFXDescription: "door slams"},
			{ID: "b3", Sequence: 2, NarrationText: "Nobody moved."},
		},
		Settings: core.Settings{MusicBufferMS: 2000},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Options{})
	require.ErrorIs(t, err, pipeline.ErrMissingDependency)
}

func TestScheduler_Render_Scenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	report, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateComplete, report.State)
	assert.Equal(t, int64(31000), report.NarrationMS)
	assert.Equal(t, int64(33000), report.DurationMS)
	assert.NotEmpty(t, report.OutputRef)

	musicCalls := f.music.calls()
	require.Len(t, musicCalls, 1)
	assert.Equal(t, int64(33000), musicCalls[0].TargetDurationMS)
	assert.Equal(t, "b1", musicCalls[0].BlockID)
	assert.Equal(t, "low strings", musicCalls[0].Description)

	require.Len(t, report.Spans, 1)
	assert.Equal(t, int64(31000), report.Spans[0].MeasuredMS)
	assert.Equal(t, int64(33000), report.Spans[0].TargetMS)

	job, found := report.Job("b1", core.KindMusic)
	require.True(t, found)
	assert.Equal(t, core.JobSucceeded, job.Status)
	assert.Equal(t, int64(33000), job.TargetMS)

	history := f.store.entries()
	require.Len(t, history, 1)
	assert.Equal(t, report.RenderID, history[0].ID)
	assert.Equal(t, int64(33000), history[0].DurationMS)
	assert.Equal(t, core.LayerCounts{Succeeded: 3}, history[0].Layers[core.KindNarration])
	assert.Equal(t, core.LayerCounts{Succeeded: 1}, history[0].Layers[core.KindSFX])
	assert.Equal(t, core.LayerCounts{Succeeded: 1}, history[0].Layers[core.KindMusic])

	assemblies := f.assembler.calls()
	require.Len(t, assemblies, 1)
	assert.Equal(t, "Tides", assemblies[0].Title)

	for _, block := range report.Blocks {
		assert.Equal(t, core.SlotResolved, block.Narration)
	}

	status, found := f.scheduler.Status("tides")
	require.True(t, found)
	assert.Equal(t, pipeline.StateComplete, status.State)
}

func TestScheduler_Render_NarrationLengthIncludesSilence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	project := scenarioProject()
	project.Settings.InterBlockSilenceMS = 500

	report, err := f.scheduler.Render(context.Background(), project)
	require.NoError(t, err)

	assert.Equal(t, int64(32000), report.NarrationMS)
	require.Len(t, report.Spans, 1)
	assert.Equal(t, report.NarrationMS, report.Spans[0].MeasuredMS)
	assert.Equal(t, int64(34000), report.Spans[0].TargetMS)
}

func TestScheduler_Render_MusicWaitsForPass1(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var pass1Done atomic.Int32

	slow := func(req core.GenerationRequest) {
		time.Sleep(time.Duration(len(req.BlockID)*5) * time.Millisecond)
		pass1Done.Add(1)
	}
	f.narration.onCall = slow
	f.sfx.onCall = slow

	var (
		observed     int32
		allTerminal  bool
		observedOnce sync.Once
	)

	f.music.onCall = func(_ core.GenerationRequest) {
		observedOnce.Do(func() {
			observed = pass1Done.Load()
			allTerminal = f.store.pass1Terminal()
		})
	}

	_, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.NoError(t, err)

	assert.Equal(t, int32(4), observed)
	assert.True(t, allTerminal)
}

func TestScheduler_Render_SFXExhaustedIsPartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sfx.fail = map[string]bool{"b2": true}

	report, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatePartial, report.State)

	failed := report.FailedDisabled()
	require.Len(t, failed, 1)
	assert.Equal(t, core.KindSFX, failed[0].Kind)
	assert.Equal(t, "b2", failed[0].BlockID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "error=backend")

	assemblies := f.assembler.calls()
	require.Len(t, assemblies, 1)

	for _, block := range assemblies[0].Blocks {
		assert.False(t, block.SFX.Resolved(), block.ID)
	}

	history := f.store.entries()
	require.Len(t, history, 1)
	assert.Equal(t, core.LayerCounts{Failed: 1}, history[0].Layers[core.KindSFX])
	assert.Contains(t, history[0].Notes, "1 sfx job(s) failed-disabled")
}

func TestScheduler_Render_NarrationFailureFailsRender(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.narration.fail = map[string]bool{"b1": true}

	report, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.ErrorIs(t, err, core.ErrNarrationFailed)
	require.ErrorContains(t, err, "b1")

	assert.Equal(t, pipeline.StateFailed, report.State)
	assert.Empty(t, report.OutputRef)
	assert.Empty(t, f.store.entries())
	assert.Empty(t, f.assembler.calls())
	assert.Empty(t, f.music.calls())

	job, found := report.Job("b1", core.KindMusic)
	require.True(t, found)
	assert.Equal(t, core.JobSkipped, job.Status)
	assert.Equal(t, pipeline.ReasonNarrationFailed, job.LastError)
}

func TestScheduler_Render_AssemblyFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.assembler.err = errors.New("ffmpeg exited 1")

	report, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.ErrorIs(t, err, core.ErrAssembly)
	require.ErrorContains(t, err, "ffmpeg exited 1")

	assert.Equal(t, pipeline.StateFailed, report.State)
	assert.Contains(t, report.Error, "ffmpeg exited 1")
	assert.Empty(t, f.store.entries())
}

func TestScheduler_Render_UnavailableProviders(t *testing.T) {
	t.Parallel()

	t.Run("sfx provider degrades the layer", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		delete(f.providers.generators, core.KindSFX)

		report, err := f.scheduler.Render(context.Background(), scenarioProject())
		require.NoError(t, err)

		assert.Equal(t, pipeline.StatePartial, report.State)
		require.Len(t, report.Warnings, 1)
		assert.Contains(t, report.Warnings[0], "sfx layer disabled")

		job, found := report.Job("b2", core.KindSFX)
		require.True(t, found)
		assert.Equal(t, core.JobFailedDisabled, job.Status)
		assert.Contains(t, job.LastError, pipeline.ReasonProviderNotLoaded)
		assert.Contains(t, job.LastError, core.ErrProviderUnavailable.Error())
		assert.Empty(t, f.sfx.calls())
	})

	t.Run("narration provider fails the render", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		delete(f.providers.generators, core.KindNarration)

		report, err := f.scheduler.Render(context.Background(), scenarioProject())
		require.ErrorIs(t, err, core.ErrNarrationFailed)
		require.ErrorIs(t, err, core.ErrProviderUnavailable)

		assert.Equal(t, pipeline.StateFailed, report.State)
		assert.Empty(t, f.sfx.calls())
		assert.Empty(t, f.music.calls())
		assert.Empty(t, f.store.entries())
	})
}

func TestScheduler_Render_SkipsAndCaps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	project := scenarioProject()

	for index := range project.Blocks {
		project.Blocks[index].SFXDescription = "footsteps"
	}

	project.Settings.MaxSFXCalls = 1
	project.Settings.SkipMusic = true

	report, err := f.scheduler.Render(context.Background(), project)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatePartial, report.State)
	assert.Len(t, f.sfx.calls(), 1)
	assert.Empty(t, f.music.calls())

	assert.Equal(t, core.LayerCounts{Succeeded: 1, Failed: 2}, report.Layers[core.KindSFX])
	assert.Equal(t, core.LayerCounts{Skipped: 1}, report.Layers[core.KindMusic])

	capped := 0

	for _, job := range report.FailedDisabled() {
		if job.LastError == pipeline.ReasonSFXCap {
			capped++
		}
	}

	assert.Equal(t, 2, capped)
}

func TestScheduler_Render_SkipSFX(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	project := scenarioProject()
	project.Settings.SkipSFX = true

	report, err := f.scheduler.Render(context.Background(), project)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateComplete, report.State)
	assert.Empty(t, f.sfx.calls())

	job, found := report.Job("b2", core.KindSFX)
	require.True(t, found)
	assert.Equal(t, core.JobSkipped, job.Status)
	assert.Equal(t, pipeline.ReasonLayerSkipped, job.LastError)
}

func TestScheduler_Render_NarrationRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	alternate := &fakeGenerator{durations: map[string]int64{"b2": 12000}}
	f.providers.set(core.KindNarration, "alt", alternate)

	project := scenarioProject()
	project.Settings.NarrationSpeed = 1.25
	project.Bible = core.SeriesBible{Characters: map[string]core.Character{
		"Mara": {Name: "Mara", VoiceID: "alt:af_sky"},
	}}
	project.Blocks[1].Speaker = "Mara"
	project.Blocks[1].NarrationText = "Get down, she whispered."

	_, err := f.scheduler.Render(context.Background(), project)
	require.NoError(t, err)

	altCalls := alternate.calls()
	require.Len(t, altCalls, 1)
	assert.Equal(t, "b2", altCalls[0].BlockID)
	assert.Equal(t, "af_sky", altCalls[0].VoiceID)
	assert.Equal(t, "alt", altCalls[0].Backend)
	assert.InDelta(t, 1.25, altCalls[0].Speed, 0.0001)
	assert.NotContains(t, altCalls[0].Text, "whispered")

	assert.Len(t, f.narration.calls(), 2)
}

func TestScheduler_CancelAndConcurrentRender(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})

	var startOnce sync.Once

	f.narration.onCall = func(core.GenerationRequest) {
		startOnce.Do(func() { close(started) })
		<-release
	}

	type outcome struct {
		err    error
		report pipeline.Report
	}

	done := make(chan outcome, 1)

	go func() {
		report, err := f.scheduler.Render(context.Background(), scenarioProject())
		done <- outcome{report: report, err: err}
	}()

	<-started

	status, found := f.scheduler.Status("tides")
	require.True(t, found)
	assert.Equal(t, pipeline.StatePass1Running, status.State)
	assert.Equal(t, 1, status.Pass)

	_, err := f.scheduler.Render(context.Background(), scenarioProject())
	require.ErrorIs(t, err, pipeline.ErrRenderInProgress)

	assert.False(t, f.scheduler.Cancel("unknown"))
	assert.True(t, f.scheduler.Cancel("tides"))
	close(release)

	result := <-done
	require.ErrorIs(t, result.err, core.ErrRenderCancelled)
	assert.Equal(t, pipeline.StateCancelled, result.report.State)
	assert.Empty(t, f.assembler.calls())
	assert.Empty(t, f.music.calls())
	assert.Empty(t, f.store.entries())

	for _, job := range result.report.Jobs {
		assert.True(t, job.Status.Terminal(), "%s/%s", job.BlockID, job.Kind)
	}
}

func TestScheduler_Render_RejectsEmptyProjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.scheduler.Render(context.Background(), core.Project{Blocks: []core.Block{{ID: "b"}}})
	require.ErrorIs(t, err, pipeline.ErrMissingProjectID)

	_, err = f.scheduler.Render(context.Background(), core.Project{ID: "p"})
	require.ErrorIs(t, err, pipeline.ErrNoBlocks)
}

type toneMixer struct{}

func (toneMixer) Mix(_ context.Context, plan assembly.MixPlan, output string) error {
	return os.WriteFile(output, audio.Tone(plan.ExpectedMS, 0, 8000, plan.Format.Channels), 0o600)
}

func TestScheduler_Render_WithToneBackends(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	prober := audio.WAVProber{}
	validator := audio.NewValidator(prober)
	registry := provider.NewRegistry(log)
	workDir := t.TempDir()

	for _, kind := range core.AllKinds() {
		availability := registry.Register(context.Background(), provider.Options{
			Backend:   provider.NewToneBackend("draft", 0),
			Validator: validator,
			Log:       log,
			Kind:      kind,
			WorkDir:   workDir,
		})
		require.True(t, availability.Available)
	}

	store := newMemoryStore()
	scheduler, err := pipeline.New(pipeline.Options{
		Providers: registry,
		Assembler: assembly.NewEngine(toneMixer{}, prober, validator, t.TempDir(), log),
		Store:     store,
		Log:       log,
	})
	require.NoError(t, err)

	project := core.Project{
		ID: "draft",
		Blocks: []core.Block{
			{ID: "a", Sequence: 0, NarrationText: "One two three four five.", MusicCue: cue(core.MusicStart, "calm")},
			{ID: "b", Sequence: 1, NarrationText: "Six seven eight nine ten.", SFXDescription: "wind"},
			{ID: "c", Sequence: 2, NarrationText: "Eleven twelve thirteen fourteen fifteen."},
		},
		Settings: core.Settings{MusicBufferMS: 1000, NarrationSpeed: 1},
	}

	report, err := scheduler.Render(context.Background(), project)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateComplete, report.State)
	assert.Equal(t, int64(6000), report.NarrationMS)
	require.Len(t, report.Spans, 1)
	assert.Equal(t, int64(7000), report.Spans[0].TargetMS)
	assert.Equal(t, int64(7000), report.DurationMS)
	assert.FileExists(t, report.OutputRef)
	require.Len(t, store.entries(), 1)
}
