// Package pipeline schedules the two generation passes of a project render and hands the
// results to assembly.
//
// Pass 1 generates narration and sound effects for every block concurrently. Pass 2 sizes
// each music span from the narration Pass 1 actually produced and generates the music. The
// passes are separated by a barrier: no music request is submitted until every Pass 1 job
// has reached a terminal status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/audio-producer/internal/assembly"
	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/director"
	"github.com/book-expert/audio-producer/internal/estimate"
	"github.com/book-expert/audio-producer/internal/text"
)

const defaultSpeed = 1.0

// Job failure reasons recorded on GenerationJob.LastError.
const (
	ReasonSFXCap            = "sfx call cap reached"
	ReasonLayerSkipped      = "layer disabled by project settings"
	ReasonNarrationFailed   = "narration failed"
	ReasonRenderCancelled   = "render cancelled"
	ReasonProviderNotLoaded = "provider unavailable: "
)

const (
	logFmtRenderStart    = "Render %s of project %s started: %d blocks, estimated %s"
	logFmtProviderMissed = "PROVIDER UNAVAILABLE for project %s: kind=%s: %v"
	logFmtJobFailed      = "%s job for block %s of project %s failed-disabled: %v"
	logFmtMusicTarget    = "Music span %s of project %s: %d blocks, measured %dms, required %dms, target %dms"
	logFmtRenderDone     = "Render %s of project %s finished %s: %s, output %s"
	logFmtHistoryFailed  = "Failed to append render history for project %s: %v"
	warnFmtUnavailable   = "%s layer disabled: %v"
	warnFmtFailedJobs    = "%d %s job(s) failed-disabled"
)

var (
	// ErrRenderInProgress is returned when a project is already rendering.
	ErrRenderInProgress = errors.New("render already in progress")
	// ErrNoBlocks is returned for projects without blocks.
	ErrNoBlocks = errors.New("project has no blocks")
	// ErrMissingProjectID is returned for projects without an id.
	ErrMissingProjectID = errors.New("project id is required")
	// ErrMissingDependency is returned by New when a collaborator is nil.
	ErrMissingDependency = errors.New("missing scheduler dependency")
)

// ProviderSource resolves the generator for an asset kind and backend name.
type ProviderSource interface {
	Resolve(kind core.AssetKind, name string) (core.Generator, error)
}

// Assembler mixes resolved block assets into one output.
type Assembler interface {
	Assemble(ctx context.Context, req assembly.Request) (assembly.Output, error)
}

// Options configure a Scheduler.
type Options struct {
	Providers    ProviderSource
	Assembler    Assembler
	Store        core.ProjectStore
	Log          *logger.Logger
	Now          func() time.Time
	DefaultVoice string
}

// Scheduler runs project renders. One render per project may run at a time.
type Scheduler struct {
	providers    ProviderSource
	assembler    Assembler
	store        core.ProjectStore
	log          *logger.Logger
	now          func() time.Time
	cleaner      *text.Cleaner
	runs         map[string]*run
	finished     map[string]Report
	defaultVoice string
	mu           sync.Mutex
}

type run struct {
	tracker *tracker
	cancel  context.CancelFunc
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Providers == nil:
		return nil, fmt.Errorf("%w: providers", ErrMissingDependency)
	case opts.Assembler == nil:
		return nil, fmt.Errorf("%w: assembler", ErrMissingDependency)
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case opts.Log == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		providers:    opts.Providers,
		assembler:    opts.Assembler,
		store:        opts.Store,
		log:          opts.Log,
		now:          opts.Now,
		cleaner:      text.NewCleaner(),
		runs:         make(map[string]*run),
		finished:     make(map[string]Report),
		defaultVoice: opts.DefaultVoice,
	}, nil
}

// Status returns the report of the running render of a project, or of its last finished one.
func (s *Scheduler) Status(projectID string) (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active, found := s.runs[projectID]; found {
		return active.tracker.report(), true
	}

	report, found := s.finished[projectID]

	return report, found
}

// Cancel stops the running render of a project. In-flight generation calls finish; nothing
// new is submitted and assembly does not start. It reports whether a render was running.
func (s *Scheduler) Cancel(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, found := s.runs[projectID]
	if found {
		active.cancel()
	}

	return found
}

// Render generates every layer of project and assembles the result.
//
// A failed SFX or music job degrades that layer and yields a partial render. A lost
// narration block, an unavailable narration provider or an assembly failure fail the render;
// a failed render appends no history entry.
func (s *Scheduler) Render(ctx context.Context, project core.Project) (Report, error) {
	if project.ID == "" {
		return Report{}, ErrMissingProjectID
	}

	if len(project.Blocks) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrNoBlocks, project.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := newTracker(project, uuid.NewString(), s.store, s.log, s.now)

	beginErr := s.begin(project.ID, &run{tracker: tracker, cancel: cancel})
	if beginErr != nil {
		return Report{}, beginErr
	}

	err := s.render(runCtx, project, tracker)

	report := tracker.report()
	s.end(project.ID, report)

	s.log.Info(logFmtRenderDone, report.RenderID, project.ID, report.State,
		time.Duration(report.DurationMS)*time.Millisecond, report.OutputRef)

	return report, err
}

func (s *Scheduler) begin(projectID string, active *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.runs[projectID]; running {
		return fmt.Errorf("%w: %s", ErrRenderInProgress, projectID)
	}

	s.runs[projectID] = active

	return nil
}

func (s *Scheduler) end(projectID string, report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, projectID)
	s.finished[projectID] = report
}

func (s *Scheduler) render(ctx context.Context, project core.Project, tracker *tracker) error {
	settings := project.Settings
	summary := estimate.Project(project.Blocks, settings)
	tracker.setEstimate(summary.EstimatedTotal)

	s.log.Info(logFmtRenderStart, tracker.renderID, project.ID, len(project.Blocks),
		time.Duration(summary.EstimatedTotal)*time.Millisecond)

	narration, narrationErr := s.providers.Resolve(core.KindNarration, settings.Backend(core.KindNarration))
	if narrationErr != nil {
		s.log.Error(logFmtProviderMissed, project.ID, core.KindNarration, narrationErr)

		err := fmt.Errorf("%w: %w", core.ErrNarrationFailed, narrationErr)
		tracker.fail(err)

		return err
	}

	tracker.resetSlots(ctx)

	_, ordered := tracker.blockSnapshot()
	voices := director.NewVoiceMapper(project.Bible, s.defaultVoice)

	pass1 := s.planPass1(ctx, tracker, ordered, settings, voices, narration)
	spans := s.planMusic(ctx, tracker, ordered, settings)

	tracker.setState(StatePass1Running)
	s.runPass(ctx, tracker, pass1)
	tracker.setState(StatePass1Complete)

	if ctx.Err() != nil {
		return s.cancelled(ctx, tracker)
	}

	if failErr := s.narrationFailure(ctx, tracker, ordered); failErr != nil {
		return failErr
	}

	tracker.setState(StatePass2Running)
	s.runPass(ctx, tracker, s.sizeMusic(ctx, tracker, spans, settings))

	if ctx.Err() != nil {
		return s.cancelled(ctx, tracker)
	}

	return s.assemble(ctx, project, tracker)
}

// task is one generation job ready to submit.
type task struct {
	generator core.Generator
	request   core.GenerationRequest
}

func (s *Scheduler) planPass1(
	ctx context.Context,
	tracker *tracker,
	blocks []core.Block,
	settings core.Settings,
	voices *director.VoiceMapper,
	narration core.Generator,
) []task {
	speed := settings.NarrationSpeed
	if speed <= 0 {
		speed = defaultSpeed
	}

	tasks := make([]task, 0, len(blocks))

	var sfxRequests []core.GenerationRequest

	for index := range blocks {
		block := &blocks[index]
		selection := voices.Resolve(block, settings)

		backend := settings.Backend(core.KindNarration)
		generator := narration

		if selection.Engine != "" && selection.Engine != backend {
			engineGenerator, engineErr := s.providers.Resolve(core.KindNarration, selection.Engine)
			if engineErr == nil {
				backend = selection.Engine
				generator = engineGenerator
			} else {
				tracker.warn(fmt.Sprintf("voice engine %q unavailable for block %s, using default narration backend",
					selection.Engine, block.ID))
			}
		}

		speaker := block.Speaker
		if speaker == "" {
			speaker = director.NarratorSpeaker
		}

		tracker.addJob(ctx, block.ID, core.KindNarration, backend)
		tasks = append(tasks, task{generator: generator, request: core.GenerationRequest{
			ProjectID: tracker.projectID,
			BlockID:   block.ID,
			Kind:      core.KindNarration,
			Backend:   backend,
			Text:      s.cleaner.Clean(block.NarrationText, speaker != director.NarratorSpeaker),
			VoiceID:   selection.Voice,
			Style:     selection.Style,
			Speed:     speed,
		}})

		if block.HasSFX() {
			tracker.addJob(ctx, block.ID, core.KindSFX, settings.Backend(core.KindSFX))
			sfxRequests = append(sfxRequests, core.GenerationRequest{
				ProjectID:   tracker.projectID,
				BlockID:     block.ID,
				Kind:        core.KindSFX,
				Backend:     settings.Backend(core.KindSFX),
				Description: block.SFXDescription,
			})
		}
	}

	return append(tasks, s.planLayer(ctx, tracker, core.KindSFX, settings, sfxRequests)...)
}

// planMusic registers one pending music job per span, owned by the span's opening block.
func (s *Scheduler) planMusic(ctx context.Context, tracker *tracker, blocks []core.Block, settings core.Settings) []MusicSpan {
	spans := MusicSpans(blocks)
	for _, span := range spans {
		tracker.addJob(ctx, span.OwnerID, core.KindMusic, settings.Backend(core.KindMusic))
	}

	tracker.setSpans(spans)

	if len(spans) > 0 {
		if settings.SkipMusic {
			tracker.finishPending(ctx, core.KindMusic, core.JobSkipped, ReasonLayerSkipped)
		} else if _, err := s.layerGenerator(tracker, core.KindMusic, settings); err != nil {
			tracker.finishPending(ctx, core.KindMusic, core.JobFailedDisabled, ReasonProviderNotLoaded+err.Error())
		}
	}

	return spans
}

// planLayer applies the skip toggle, provider availability and the SFX cap to the requests
// of one optional layer and returns the tasks left to run.
func (s *Scheduler) planLayer(
	ctx context.Context,
	tracker *tracker,
	kind core.AssetKind,
	settings core.Settings,
	requests []core.GenerationRequest,
) []task {
	if len(requests) == 0 {
		return nil
	}

	if kind == core.KindSFX && settings.SkipSFX {
		tracker.finishPending(ctx, kind, core.JobSkipped, ReasonLayerSkipped)

		return nil
	}

	generator, err := s.layerGenerator(tracker, kind, settings)
	if err != nil {
		tracker.finishPending(ctx, kind, core.JobFailedDisabled, ReasonProviderNotLoaded+err.Error())

		return nil
	}

	tasks := make([]task, 0, len(requests))

	for _, request := range requests {
		if kind == core.KindSFX && settings.MaxSFXCalls > 0 && len(tasks) >= settings.MaxSFXCalls {
			tracker.finish(ctx, request.BlockID, kind, core.JobFailedDisabled, 0, ReasonSFXCap)

			continue
		}

		tasks = append(tasks, task{generator: generator, request: request})
	}

	return tasks
}

// layerGenerator resolves the provider of an optional layer. An unavailable provider is a
// project-level warning that disables only that layer.
func (s *Scheduler) layerGenerator(tracker *tracker, kind core.AssetKind, settings core.Settings) (core.Generator, error) {
	generator, err := s.providers.Resolve(kind, settings.Backend(kind))
	if err != nil {
		s.log.Error(logFmtProviderMissed, tracker.projectID, kind, err)
		tracker.warn(fmt.Sprintf(warnFmtUnavailable, kind, err))

		return nil, err
	}

	return generator, nil
}

// sizeMusic computes every span's target from the measured Pass 1 assets and returns the
// music tasks still pending.
func (s *Scheduler) sizeMusic(ctx context.Context, tracker *tracker, spans []MusicSpan, settings core.Settings) []task {
	if len(spans) == 0 {
		return nil
	}

	byID, _ := tracker.blockSnapshot()
	sized := make([]MusicSpan, 0, len(spans))
	tasks := make([]task, 0, len(spans))

	var generator core.Generator

	for _, span := range spans {
		span = SizeSpan(span, byID, settings)
		sized = append(sized, span)

		status, _ := tracker.jobStatus(span.OwnerID, core.KindMusic)
		if status != core.JobPending {
			continue
		}

		if generator == nil {
			resolved, err := s.providers.Resolve(core.KindMusic, settings.Backend(core.KindMusic))
			if err != nil {
				tracker.finishPending(ctx, core.KindMusic, core.JobFailedDisabled, ReasonProviderNotLoaded+err.Error())

				break
			}

			generator = resolved
		}

		s.log.Info(logFmtMusicTarget, span.OwnerID, tracker.projectID, len(span.BlockIDs),
			span.MeasuredMS, span.RequiredMS, span.TargetMS)
		tracker.setTarget(ctx, span.OwnerID, core.KindMusic, span.TargetMS)

		tasks = append(tasks, task{generator: generator, request: core.GenerationRequest{
			ProjectID:        tracker.projectID,
			BlockID:          span.OwnerID,
			Kind:             core.KindMusic,
			Backend:          settings.Backend(core.KindMusic),
			Description:      span.Description,
			TargetDurationMS: span.TargetMS,
		}})
	}

	tracker.setSpans(sized)

	return tasks
}

// runPass submits every task concurrently and waits for all of them. Tasks not yet
// submitted when ctx ends are skipped.
func (s *Scheduler) runPass(ctx context.Context, tracker *tracker, tasks []task) {
	var group errgroup.Group

	for _, current := range tasks {
		if ctx.Err() != nil {
			tracker.finish(ctx, current.request.BlockID, current.request.Kind, core.JobSkipped, 0, ReasonRenderCancelled)

			continue
		}

		group.Go(func() error {
			s.runTask(ctx, tracker, current)

			return nil
		})
	}

	_ = group.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, tracker *tracker, current task) {
	req := current.request

	result, err := current.generator.Generate(ctx, req)
	if err == nil {
		tracker.succeed(ctx, req.BlockID, req.Kind, result)

		return
	}

	if errors.Is(err, core.ErrRenderCancelled) {
		tracker.finish(ctx, req.BlockID, req.Kind, core.JobSkipped, result.Attempts, ReasonRenderCancelled)

		return
	}

	s.log.Warn(logFmtJobFailed, req.Kind, req.BlockID, tracker.projectID, err)
	tracker.finish(ctx, req.BlockID, req.Kind, core.JobFailedDisabled, result.Attempts, err.Error())
}

// narrationFailure fails the render when any block lost its narration. Pending music is skipped.
func (s *Scheduler) narrationFailure(ctx context.Context, tracker *tracker, blocks []core.Block) error {
	var failed []string

	for index := range blocks {
		status, _ := tracker.jobStatus(blocks[index].ID, core.KindNarration)
		if status != core.JobSucceeded {
			failed = append(failed, blocks[index].ID)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	tracker.finishPending(ctx, core.KindMusic, core.JobSkipped, ReasonNarrationFailed)

	err := fmt.Errorf("%w: %d of %d blocks: %s", core.ErrNarrationFailed, len(failed), len(blocks),
		strings.Join(failed, ", "))
	tracker.fail(err)

	return err
}

func (s *Scheduler) cancelled(ctx context.Context, tracker *tracker) error {
	tracker.finishPending(ctx, core.KindNarration, core.JobSkipped, ReasonRenderCancelled)
	tracker.finishPending(ctx, core.KindSFX, core.JobSkipped, ReasonRenderCancelled)
	tracker.finishPending(ctx, core.KindMusic, core.JobSkipped, ReasonRenderCancelled)
	tracker.setState(StateCancelled)

	return fmt.Errorf("%w: project %s", core.ErrRenderCancelled, tracker.projectID)
}

// assemble mixes the resolved assets and records the render. Assembly runs to completion
// once started, even if the render is cancelled meanwhile.
func (s *Scheduler) assemble(ctx context.Context, project core.Project, tracker *tracker) error {
	_, blocks := tracker.blockSnapshot()
	assemblyCtx := context.WithoutCancel(ctx)

	output, err := s.assembler.Assemble(assemblyCtx, assembly.Request{
		ProjectID: project.ID,
		RenderID:  tracker.renderID,
		Title:     renderTitle(project),
		Blocks:    blocks,
		Settings:  project.Settings,
	})
	if err != nil {
		if !errors.Is(err, core.ErrAssembly) {
			err = fmt.Errorf("%w: %w", core.ErrAssembly, err)
		}

		tracker.fail(err)

		return err
	}

	tracker.setOutput(output.Asset.FileRef, output.Asset.DurationMS)

	jobs := tracker.jobsSnapshot()
	entry := core.RenderHistoryEntry{
		Timestamp:  s.now(),
		Layers:     CountLayers(jobs),
		ID:         tracker.renderID,
		ProjectID:  project.ID,
		OutputRef:  output.Asset.FileRef,
		Notes:      renderNotes(tracker, jobs),
		DurationMS: output.Asset.DurationMS,
	}

	historyErr := s.store.AppendRenderHistory(assemblyCtx, entry)
	if historyErr != nil {
		s.log.Error(logFmtHistoryFailed, project.ID, historyErr)

		err := fmt.Errorf("record render history: %w", historyErr)
		tracker.fail(err)

		return err
	}

	if entry.Layers[core.KindSFX].Failed > 0 || entry.Layers[core.KindMusic].Failed > 0 {
		tracker.setState(StatePartial)
	} else {
		tracker.setState(StateComplete)
	}

	return nil
}

func renderTitle(project core.Project) string {
	if project.Title != "" {
		return project.Title
	}

	return project.Bible.Title
}

func renderNotes(tracker *tracker, jobs []core.GenerationJob) []string {
	tracker.mu.Lock()
	notes := append([]string(nil), tracker.warnings...)
	tracker.mu.Unlock()

	for _, kind := range []core.AssetKind{core.KindSFX, core.KindMusic} {
		failed := 0

		for _, job := range jobs {
			if job.Kind == kind && job.Status == core.JobFailedDisabled {
				failed++
			}
		}

		if failed > 0 {
			notes = append(notes, fmt.Sprintf(warnFmtFailedJobs, failed, kind))
		}
	}

	return notes
}
