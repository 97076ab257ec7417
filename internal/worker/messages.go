package worker

import (
	"encoding/json"

	"github.com/book-expert/events"

	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/pipeline"
)

// DirectRequest asks the producer to plan a script into blocks and store the project.
// An empty ProjectID creates a new project; Bible is the raw series bible JSON and may be
// omitted. Settings replace the stored settings when present.
type DirectRequest struct {
	Header    events.EventHeader `json:"header"`
	Settings  *core.Settings     `json:"settings,omitempty"`
	ProjectID string             `json:"project_id,omitempty"`
	Title     string             `json:"title"`
	Script    string             `json:"script"`
	Bible     json.RawMessage    `json:"bible,omitempty"`
}

// DirectReply describes the stored project.
type DirectReply struct {
	Header     events.EventHeader `json:"header"`
	Voices     map[string]string  `json:"voices,omitempty"`
	ProjectID  string             `json:"project_id"`
	Error      string             `json:"error,omitempty"`
	Characters []string           `json:"characters,omitempty"`
	Blocks     int                `json:"blocks"`
}

// ProjectRequest addresses one stored project. It is the payload of the render, status and
// cancel subjects.
type ProjectRequest struct {
	Header    events.EventHeader `json:"header"`
	ProjectID string             `json:"project_id"`
}

// RenderReply carries the object store key of the rendered production and the render report.
type RenderReply struct {
	Header    events.EventHeader `json:"header"`
	Report    pipeline.Report    `json:"report"`
	ProjectID string             `json:"project_id"`
	OutputKey string             `json:"output_key,omitempty"`
	Bucket    string             `json:"bucket,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// StatusReply reports the current or last render of a project. Without a render since the
// service started, Report is nil and Jobs holds the persisted job statuses.
type StatusReply struct {
	Header    events.EventHeader        `json:"header"`
	Report    *pipeline.Report          `json:"report,omitempty"`
	ProjectID string                    `json:"project_id"`
	Error     string                    `json:"error,omitempty"`
	Jobs      []core.GenerationJob      `json:"jobs,omitempty"`
	History   []core.RenderHistoryEntry `json:"history,omitempty"`
}

// CancelReply reports whether a running render was cancelled.
type CancelReply struct {
	Header    events.EventHeader `json:"header"`
	ProjectID string             `json:"project_id"`
	Cancelled bool               `json:"cancelled"`
}
