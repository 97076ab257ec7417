package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/assembly"
	"github.com/book-expert/audio-producer/internal/core"
)

const (
	logFmtPersistJob   = "Failed to persist %s job for block %s of project %s: %v"
	logFmtPersistAsset = "Failed to persist %s asset for block %s of project %s: %v"
	logFmtState        = "Project %s render %s: %s"
)

type jobKey struct {
	blockID string
	kind    core.AssetKind
}

// tracker owns the block asset slots and jobs of one render. Every transition is persisted.
type tracker struct {
	startedAt  time.Time
	finishedAt time.Time
	store      core.ProjectStore
	log        *logger.Logger
	now        func() time.Time
	jobs       map[jobKey]*core.GenerationJob
	index      map[string]int
	projectID  string
	renderID   string
	state      State
	outputRef  string
	lastError  string
	settings   core.Settings
	blocks     []core.Block
	order      []jobKey
	spans      []MusicSpan
	warnings   []string
	estimateMS int64
	durationMS int64
	mu         sync.Mutex
}

func newTracker(project core.Project, renderID string, store core.ProjectStore, log *logger.Logger, now func() time.Time) *tracker {
	blocks := assembly.Ordered(project.Blocks)
	index := make(map[string]int, len(blocks))

	for position := range blocks {
		index[blocks[position].ID] = position
	}

	return &tracker{
		startedAt: now(),
		store:     store,
		log:       log,
		now:       now,
		jobs:      make(map[jobKey]*core.GenerationJob),
		index:     index,
		projectID: project.ID,
		renderID:  renderID,
		state:     StatePlanned,
		settings:  project.Settings,
		blocks:    blocks,
	}
}

func (t *tracker) setState(state State) {
	t.mu.Lock()
	t.state = state

	if state.Terminal() {
		t.finishedAt = t.now()
	}
	t.mu.Unlock()

	t.log.Info(logFmtState, t.projectID, t.renderID, state)
}

func (t *tracker) warn(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.warnings = append(t.warnings, message)
}

func (t *tracker) fail(err error) {
	t.mu.Lock()
	t.lastError = err.Error()
	t.mu.Unlock()

	t.setState(StateFailed)
}

// resetSlots clears assets from earlier renders and marks requested layers pending.
func (t *tracker) resetSlots(ctx context.Context) {
	t.mu.Lock()

	for position := range t.blocks {
		block := &t.blocks[position]
		block.Narration = core.AssetSlot{State: core.SlotPending}
		block.SFX = core.AssetSlot{State: core.SlotAbsent}
		block.Music = core.AssetSlot{State: core.SlotAbsent}
	}

	blocks := append([]core.Block(nil), t.blocks...)
	t.mu.Unlock()

	for position := range blocks {
		block := &blocks[position]
		for _, kind := range core.AllKinds() {
			t.persistSlot(ctx, block.ID, kind, *block.Slot(kind))
		}
	}
}

// addJob registers a pending job and marks its slot pending.
func (t *tracker) addJob(ctx context.Context, blockID string, kind core.AssetKind, backend string) {
	key := jobKey{blockID: blockID, kind: kind}

	t.mu.Lock()
	job := &core.GenerationJob{
		UpdatedAt: t.now(),
		ProjectID: t.projectID,
		BlockID:   blockID,
		Kind:      kind,
		Backend:   backend,
		Status:    core.JobPending,
	}
	t.jobs[key] = job
	t.order = append(t.order, key)

	slot := t.slot(blockID, kind)
	slot.State = core.SlotPending
	slot.Asset = nil
	snapshot := *job
	t.mu.Unlock()

	t.persistJob(ctx, snapshot)
	t.persistSlot(ctx, blockID, kind, core.AssetSlot{State: core.SlotPending})
}

func (t *tracker) setTarget(ctx context.Context, blockID string, kind core.AssetKind, targetMS int64) {
	t.update(ctx, blockID, kind, func(job *core.GenerationJob) {
		job.TargetMS = targetMS
	})
}

// succeed resolves the slot with the validated asset and records the job outcome.
func (t *tracker) succeed(ctx context.Context, blockID string, kind core.AssetKind, result core.GenerationResult) {
	asset := result.Asset

	t.mu.Lock()
	slot := t.slot(blockID, kind)
	slot.State = core.SlotResolved
	slot.Asset = &asset
	resolved := *slot
	t.mu.Unlock()

	t.persistSlot(ctx, blockID, kind, resolved)
	t.update(ctx, blockID, kind, func(job *core.GenerationJob) {
		job.Status = core.JobSucceeded
		job.Backend = result.Backend
		job.Attempts = result.Attempts
		job.LastError = ""
	})
}

// finish moves a job to a terminal non-success status and clears its slot.
func (t *tracker) finish(ctx context.Context, blockID string, kind core.AssetKind, status core.JobStatus, attempts int, reason string) {
	t.mu.Lock()
	slot := t.slot(blockID, kind)
	slot.State = core.SlotAbsent
	slot.Asset = nil
	t.mu.Unlock()

	t.persistSlot(ctx, blockID, kind, core.AssetSlot{State: core.SlotAbsent})
	t.update(ctx, blockID, kind, func(job *core.GenerationJob) {
		job.Status = status
		job.LastError = reason

		if attempts > 0 {
			job.Attempts = attempts
		}
	})
}

// finishPending closes every still-pending job of kind with status.
func (t *tracker) finishPending(ctx context.Context, kind core.AssetKind, status core.JobStatus, reason string) {
	for _, key := range t.pendingKeys(kind) {
		t.finish(ctx, key.blockID, key.kind, status, 0, reason)
	}
}

func (t *tracker) pendingKeys(kind core.AssetKind) []jobKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []jobKey

	for _, key := range t.order {
		if key.kind == kind && t.jobs[key].Status == core.JobPending {
			keys = append(keys, key)
		}
	}

	return keys
}

func (t *tracker) jobStatus(blockID string, kind core.AssetKind) (core.JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, found := t.jobs[jobKey{blockID: blockID, kind: kind}]
	if !found {
		return "", false
	}

	return job.Status, true
}

// blockSnapshot returns copies of the blocks keyed by id and in sequence order.
func (t *tracker) blockSnapshot() (map[string]*core.Block, []core.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks := append([]core.Block(nil), t.blocks...)
	byID := make(map[string]*core.Block, len(blocks))

	for position := range blocks {
		byID[blocks[position].ID] = &blocks[position]
	}

	return byID, blocks
}

func (t *tracker) setSpans(spans []MusicSpan) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.spans = spans
}

func (t *tracker) setEstimate(estimateMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.estimateMS = estimateMS
}

func (t *tracker) setOutput(ref string, durationMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outputRef = ref
	t.durationMS = durationMS
}

func (t *tracker) jobsSnapshot() []core.GenerationJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	jobs := make([]core.GenerationJob, 0, len(t.order))
	for _, key := range t.order {
		jobs = append(jobs, *t.jobs[key])
	}

	return jobs
}

func (t *tracker) report() Report {
	jobs := t.jobsSnapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Layers:      CountLayers(jobs),
		ProjectID:   t.projectID,
		RenderID:    t.renderID,
		State:       t.state,
		OutputRef:   t.outputRef,
		Error:       t.lastError,
		Blocks:      make([]BlockStatus, 0, len(t.blocks)),
		Jobs:        jobs,
		Spans:       append([]MusicSpan(nil), t.spans...),
		Warnings:    append([]string(nil), t.warnings...),
		Pass:        t.state.Pass(),
		EstimatedMS: t.estimateMS,
		DurationMS:  t.durationMS,
		NarrationMS: assembly.Layout(t.blocks, t.settings).NarrationMS,
	}

	for position := range t.blocks {
		block := &t.blocks[position]
		report.Blocks = append(report.Blocks, BlockStatus{
			BlockID:     block.ID,
			Narration:   block.Narration.State,
			SFX:         block.SFX.State,
			Music:       block.Music.State,
			Sequence:    block.Sequence,
			NarrationMS: block.Narration.DurationMS(),
		})
	}

	return report
}

func (t *tracker) update(ctx context.Context, blockID string, kind core.AssetKind, mutate func(*core.GenerationJob)) {
	t.mu.Lock()

	job, found := t.jobs[jobKey{blockID: blockID, kind: kind}]
	if !found {
		t.mu.Unlock()

		return
	}

	mutate(job)
	job.UpdatedAt = t.now()
	snapshot := *job
	t.mu.Unlock()

	t.persistJob(ctx, snapshot)
}

// slot must be called with mu held.
func (t *tracker) slot(blockID string, kind core.AssetKind) *core.AssetSlot {
	return t.blocks[t.index[blockID]].Slot(kind)
}

func (t *tracker) persistJob(ctx context.Context, job core.GenerationJob) {
	err := t.store.SaveJob(context.WithoutCancel(ctx), job)
	if err != nil {
		t.log.Error(logFmtPersistJob, job.Kind, job.BlockID, t.projectID, err)
	}
}

func (t *tracker) persistSlot(ctx context.Context, blockID string, kind core.AssetKind, slot core.AssetSlot) {
	err := t.store.SaveBlockAsset(context.WithoutCancel(ctx), t.projectID, blockID, kind, slot)
	if err != nil {
		t.log.Error(logFmtPersistAsset, kind, blockID, t.projectID, err)
	}
}
