package core

import (
	"sort"
	"time"
)

// AssetKind identifies one of the three generated layers.
type AssetKind string

const (
	KindNarration AssetKind = "narration"
	KindSFX       AssetKind = "sfx"
	KindMusic     AssetKind = "music"
)

// AllKinds lists the layers in mixing order.
func AllKinds() []AssetKind {
	return []AssetKind{KindNarration, KindSFX, KindMusic}
}

// SlotState is the lifecycle of one asset slot on a block.
type SlotState string

const (
	SlotAbsent   SlotState = "absent"
	SlotPending  SlotState = "pending"
	SlotResolved SlotState = "resolved"
)

// Asset is a validated piece of generated audio.
type Asset struct {
	FileRef       string `json:"file_ref"`
	ChannelLayout string `json:"channel_layout"`
	DurationMS    int64  `json:"duration_ms"`
	SizeBytes     int64  `json:"size_bytes"`
	Channels      int    `json:"channels"`
}

// AssetSlot holds an asset once the owning job has succeeded.
type AssetSlot struct {
	Asset *Asset    `json:"asset,omitempty"`
	State SlotState `json:"state"`
}

// Resolved reports whether the slot holds a validated asset.
func (s AssetSlot) Resolved() bool {
	return s.State == SlotResolved && s.Asset != nil
}

// DurationMS returns the measured duration, or 0 for unresolved slots.
func (s AssetSlot) DurationMS() int64 {
	if !s.Resolved() {
		return 0
	}

	return s.Asset.DurationMS
}

// MusicAction describes what a music cue does to the running music span.
type MusicAction string

const (
	MusicStart   MusicAction = "start"
	MusicFadeIn  MusicAction = "fade_in"
	MusicSustain MusicAction = "sustain"
	MusicStop    MusicAction = "stop"
	MusicFadeOut MusicAction = "fade_out"
)

// Opens reports whether the action begins a new music span.
func (a MusicAction) Opens() bool {
	return a == MusicStart || a == MusicFadeIn
}

// Changes reports whether the action ends whatever span is running.
func (a MusicAction) Changes() bool {
	switch a {
	case MusicStart, MusicFadeIn, MusicStop, MusicFadeOut:
		return true
	case MusicSustain:
		return false
	default:
		return false
	}
}

// MusicCue is the music instruction attached to a block.
type MusicCue struct {
	Description string      `json:"description"`
	Action      MusicAction `json:"action"`
}

// Block is the smallest unit of production.
type Block struct {
	ID             string    `json:"id"`
	Speaker        string    `json:"speaker"`
	Style          string    `json:"style,omitempty"`
	VoiceID        string    `json:"voice_id,omitempty"`
	NarrationText  string    `json:"narration_text"`
	SFXDescription string    `json:"sfx_description,omitempty"`
	MusicCue       *MusicCue `json:"music_cue,omitempty"`
	Narration      AssetSlot `json:"narration_asset"`
	SFX            AssetSlot `json:"sfx_asset"`
	Music          AssetSlot `json:"music_asset"`
	Sequence       int       `json:"sequence"`
	SFXOffsetMS    int64     `json:"sfx_offset_ms,omitempty"`
}

// HasSFX reports whether the block requests a sound effect.
func (b *Block) HasSFX() bool {
	return b.SFXDescription != ""
}

// OpensMusic reports whether the block starts a music span.
func (b *Block) OpensMusic() bool {
	return b.MusicCue != nil && b.MusicCue.Action.Opens()
}

// Slot returns the asset slot for a kind.
func (b *Block) Slot(kind AssetKind) *AssetSlot {
	switch kind {
	case KindNarration:
		return &b.Narration
	case KindSFX:
		return &b.SFX
	case KindMusic:
		return &b.Music
	default:
		return nil
	}
}

// Character is one entry of the series bible.
type Character struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	VoiceID     string `json:"voice_id,omitempty"`
	VoiceRef    string `json:"voice_ref,omitempty"`
	Gender      string `json:"gender,omitempty"`
}

// SeriesBible is the per-project character and voice metadata.
type SeriesBible struct {
	Characters  map[string]Character `json:"characters"`
	Title       string               `json:"title,omitempty"`
	GlobalNotes string               `json:"global_notes,omitempty"`
}

// Names returns the character names in a stable order.
func (b SeriesBible) Names() []string {
	names := make([]string, 0, len(b.Characters))
	for name := range b.Characters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// JobStatus is the lifecycle of a generation job.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobSucceeded      JobStatus = "succeeded"
	JobFailedDisabled JobStatus = "failed-disabled"
	JobSkipped        JobStatus = "skipped"
)

// Terminal reports whether the job will not change again during this render.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailedDisabled || s == JobSkipped
}

// GenerationJob is the per-block, per-kind unit of work.
type GenerationJob struct {
	UpdatedAt time.Time `json:"updated_at"`
	ProjectID string    `json:"project_id"`
	BlockID   string    `json:"block_id"`
	Kind      AssetKind `json:"kind"`
	Backend   string    `json:"backend,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	TargetMS  int64     `json:"target_ms,omitempty"`
}

// LayerCounts are per-layer job outcomes for one render.
type LayerCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RenderHistoryEntry is the immutable record of a completed render.
type RenderHistoryEntry struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Layers     map[AssetKind]LayerCounts `json:"layers"`
	ID         string                    `json:"id"`
	ProjectID  string                    `json:"project_id"`
	OutputRef  string                    `json:"output_ref"`
	Notes      []string                  `json:"notes,omitempty"`
	DurationMS int64                     `json:"duration_ms"`
}

// VoiceOverride pins a speaker to a voice and, optionally, a style.
type VoiceOverride struct {
	Voice string `json:"voice"`
	Style string `json:"style,omitempty"`
}

// Settings is the per-project settings bag.
type Settings struct {
	Backends            map[AssetKind]string     `json:"backends,omitempty"`
	VoiceOverrides      map[string]VoiceOverride `json:"voice_overrides,omitempty"`
	OutputFormat        string                   `json:"output_format,omitempty"`
	MusicBufferMS       int64                    `json:"music_buffer_ms"`
	InterBlockSilenceMS int64                    `json:"inter_block_silence_ms"`
	MusicMinMS          int64                    `json:"music_min_ms,omitempty"`
	MusicMaxMS          int64                    `json:"music_max_ms,omitempty"`
	NarrationSpeed      float64                  `json:"narration_speed,omitempty"`
	MaxSFXCalls         int                      `json:"max_sfx_calls,omitempty"`
	SingleVoice         bool                     `json:"single_voice,omitempty"`
	SkipSFX             bool                     `json:"skip_sfx,omitempty"`
	SkipMusic           bool                     `json:"skip_music,omitempty"`
}

// Backend returns the configured backend name for a kind, or "" for the default.
func (s Settings) Backend(kind AssetKind) string {
	if s.Backends == nil {
		return ""
	}

	return s.Backends[kind]
}

// Project is the unit the pipeline renders.
type Project struct {
	Bible    SeriesBible `json:"bible"`
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Script   string      `json:"script"`
	Blocks   []Block     `json:"blocks"`
	Settings Settings    `json:"settings"`
}
