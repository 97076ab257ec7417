package pipeline

import (
	"time"

	"github.com/book-expert/audio-producer/internal/core"
)

// State is the lifecycle of one project render.
type State string

const (
	passNone = 0
	passOne  = 1
	passTwo  = 2
)

const (
	StatePlanned       State = "planned"
	StatePass1Running  State = "pass1-running"
	StatePass1Complete State = "pass1-complete"
	StatePass2Running  State = "pass2-running"
	StateComplete      State = "complete"
	StatePartial       State = "partial"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether a render in this state has finished.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StatePartial, StateFailed, StateCancelled:
		return true
	case StatePlanned, StatePass1Running, StatePass1Complete, StatePass2Running:
		return false
	default:
		return false
	}
}

// Pass returns the generation pass the state belongs to, or 0 outside the passes.
func (s State) Pass() int {
	switch s {
	case StatePass1Running, StatePass1Complete:
		return passOne
	case StatePass2Running:
		return passTwo
	case StatePlanned, StateComplete, StatePartial, StateFailed, StateCancelled:
		return passNone
	default:
		return passNone
	}
}

// BlockStatus is the asset state of one block.
type BlockStatus struct {
	BlockID     string         `json:"block_id"`
	Narration   core.SlotState `json:"narration"`
	SFX         core.SlotState `json:"sfx"`
	Music       core.SlotState `json:"music"`
	Sequence    int            `json:"sequence"`
	NarrationMS int64          `json:"narration_ms"`
}

// Report is the status of a project render.
type Report struct {
	StartedAt   time.Time                           `json:"started_at"`
	FinishedAt  time.Time                           `json:"finished_at,omitzero"`
	Layers      map[core.AssetKind]core.LayerCounts `json:"layers"`
	ProjectID   string                              `json:"project_id"`
	RenderID    string                              `json:"render_id"`
	State       State                               `json:"state"`
	OutputRef   string                              `json:"output_ref,omitempty"`
	Error       string                              `json:"error,omitempty"`
	Blocks      []BlockStatus                       `json:"blocks"`
	Jobs        []core.GenerationJob                `json:"jobs"`
	Spans       []MusicSpan                         `json:"spans,omitempty"`
	Warnings    []string                            `json:"warnings,omitempty"`
	Pass        int                                 `json:"pass"`
	EstimatedMS int64                               `json:"estimated_ms"`
	// NarrationMS is the narration track length as assembled, inter-block silence included.
	NarrationMS int64 `json:"narration_ms"`
	DurationMS  int64 `json:"duration_ms"`
}

// FailedDisabled returns the jobs that exhausted their retries or were disabled.
func (r *Report) FailedDisabled() []core.GenerationJob {
	var failed []core.GenerationJob

	for _, job := range r.Jobs {
		if job.Status == core.JobFailedDisabled {
			failed = append(failed, job)
		}
	}

	return failed
}

// Job returns the job for a block and kind.
func (r *Report) Job(blockID string, kind core.AssetKind) (core.GenerationJob, bool) {
	for _, job := range r.Jobs {
		if job.BlockID == blockID && job.Kind == kind {
			return job, true
		}
	}

	return core.GenerationJob{}, false
}

// CountLayers tallies job outcomes per asset kind.
func CountLayers(jobs []core.GenerationJob) map[core.AssetKind]core.LayerCounts {
	layers := make(map[core.AssetKind]core.LayerCounts, len(core.AllKinds()))
	for _, kind := range core.AllKinds() {
		layers[kind] = core.LayerCounts{}
	}

	for _, job := range jobs {
		counts := layers[job.Kind]

		switch job.Status {
		case core.JobSucceeded:
			counts.Succeeded++
		case core.JobFailedDisabled:
			counts.Failed++
		case core.JobSkipped:
			counts.Skipped++
		case core.JobPending:
		}

		layers[job.Kind] = counts
	}

	return layers
}
