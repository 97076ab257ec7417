// Package core defines the domain model and the interfaces shared by the production pipeline.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	UploadFile(ctx context.Context, key, path string) error
}

// AudioInfo is what the pipeline needs to know about one decoded audio file.
type AudioInfo struct {
	Codec         string
	ChannelLayout string
	DurationMS    int64
	SizeBytes     int64
	SampleRate    int
	Channels      int
}

// Prober inspects an audio file on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (AudioInfo, error)
}

// GenerationRequest carries the kind-specific parameters of one generation call.
type GenerationRequest struct {
	ProjectID        string
	BlockID          string
	Kind             AssetKind
	Backend          string
	Text             string
	VoiceID          string
	Style            string
	Description      string
	TargetDurationMS int64
	Speed            float64
}

// GenerationResult reports the outcome of a generation call, successful or not.
type GenerationResult struct {
	Asset    Asset
	Backend  string
	Attempts int
	CacheHit bool
}

// Generator is the uniform generation contract every provider variant satisfies.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// ProjectStore is the slice of project persistence the scheduler writes to.
type ProjectStore interface {
	SaveBlockAsset(ctx context.Context, projectID, blockID string, kind AssetKind, slot AssetSlot) error
	SaveJob(ctx context.Context, job GenerationJob) error
	AppendRenderHistory(ctx context.Context, entry RenderHistoryEntry) error
}

// ProjectRepository is the full persistence surface used by the worker and CLI.
type ProjectRepository interface {
	ProjectStore
	SaveProject(ctx context.Context, project Project) error
	LoadProject(ctx context.Context, projectID string) (Project, error)
	ReplaceBible(ctx context.Context, projectID string, bible SeriesBible) error
	ReplaceBlocks(ctx context.Context, projectID string, blocks []Block) error
	ListJobs(ctx context.Context, projectID string) ([]GenerationJob, error)
	ListRenderHistory(ctx context.Context, projectID string) ([]RenderHistoryEntry, error)
}
