package assembly

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
)

const (
	dirPermissions = 0o755
	partialSuffix  = ".partial"
)

const (
	logMsgAssembling = "Assembling project %s: %d narration, %d sfx, %d music tracks, expected %s"
	logMsgAssembled  = "Assembled project %s to %s (%s, %s) in %s"
	logMsgFailed     = "ASSEMBLY FAILED: project=%s error=%v"
)

var (
	// ErrNothingToAssemble is returned when no block has resolved narration.
	ErrNothingToAssemble = errors.New("no resolved narration to assemble")
	// ErrMissingProjectID is returned for requests without a project id.
	ErrMissingProjectID = errors.New("project id is required")
)

// OutputValidator checks a rendered file the way generated assets are checked.
type OutputValidator interface {
	Validate(ctx context.Context, path string) (core.Asset, error)
}

// Request describes one assembly run.
type Request struct {
	ProjectID string
	RenderID  string
	Title     string
	Blocks    []core.Block
	Settings  core.Settings
}

// Output is a validated, rendered production.
type Output struct {
	Path     string
	Format   audio.OutputFormat
	Timeline Timeline
	Asset    core.Asset
}

// Engine turns resolved block assets into one mixed output file.
type Engine struct {
	mixer     Mixer
	prober    core.Prober
	validator OutputValidator
	log       *logger.Logger
	outputDir string
}

// NewEngine creates an assembly engine writing renders below outputDir.
func NewEngine(mixer Mixer, prober core.Prober, validator OutputValidator, outputDir string, log *logger.Logger) *Engine {
	return &Engine{mixer: mixer, prober: prober, validator: validator, outputDir: outputDir, log: log}
}

// Assemble lays out the resolved assets of req, mixes them and validates the result.
// The Engine only reads blocks. Every failure wraps core.ErrAssembly.
func (e *Engine) Assemble(ctx context.Context, req Request) (Output, error) {
	output, err := e.assemble(ctx, req)
	if err != nil {
		e.log.Error(logMsgFailed, req.ProjectID, err)

		return Output{}, fmt.Errorf("%w: %w", core.ErrAssembly, err)
	}

	return output, nil
}

func (e *Engine) assemble(ctx context.Context, req Request) (Output, error) {
	started := time.Now()

	if req.ProjectID == "" {
		return Output{}, ErrMissingProjectID
	}

	format, formatErr := audio.LookupFormat(orFormat(req.Settings.OutputFormat))
	if formatErr != nil {
		return Output{}, formatErr
	}

	timeline := Layout(req.Blocks, req.Settings)
	if timeline.Count(core.KindNarration) == 0 {
		return Output{}, ErrNothingToAssemble
	}

	inputs, inputsErr := e.inputs(ctx, timeline.Placements)
	if inputsErr != nil {
		return Output{}, inputsErr
	}

	e.log.Info(logMsgAssembling, req.ProjectID,
		timeline.Count(core.KindNarration), timeline.Count(core.KindSFX), timeline.Count(core.KindMusic),
		time.Duration(timeline.DurationMS)*time.Millisecond)

	finalPath := e.outputPath(req, format)

	mkdirErr := os.MkdirAll(filepath.Dir(finalPath), dirPermissions)
	if mkdirErr != nil {
		return Output{}, fmt.Errorf("create output directory: %w", mkdirErr)
	}

	partialPath := finalPath + partialSuffix
	defer func() { _ = os.Remove(partialPath) }()

	mixErr := e.mixer.Mix(ctx, MixPlan{
		Title:      req.Title,
		Inputs:     inputs,
		Format:     format,
		ExpectedMS: timeline.DurationMS,
	}, partialPath)
	if mixErr != nil {
		return Output{}, mixErr
	}

	asset, validateErr := e.validator.Validate(ctx, partialPath)
	if validateErr != nil {
		return Output{}, validateErr
	}

	renameErr := os.Rename(partialPath, finalPath)
	if renameErr != nil {
		return Output{}, fmt.Errorf("finalize output: %w", renameErr)
	}

	asset.FileRef = finalPath

	e.log.Info(logMsgAssembled, req.ProjectID, finalPath,
		time.Duration(asset.DurationMS)*time.Millisecond, humanize.Bytes(uint64(max(asset.SizeBytes, 0))),
		time.Since(started).Round(time.Millisecond))

	return Output{Path: finalPath, Format: format, Timeline: timeline, Asset: asset}, nil
}

// inputs probes every placed file so each delay filter matches the file's real channel count.
func (e *Engine) inputs(ctx context.Context, placements []Placement) ([]Input, error) {
	inputs := make([]Input, 0, len(placements))

	for _, placement := range placements {
		info, probeErr := e.prober.Probe(ctx, placement.Asset.FileRef)
		if probeErr != nil {
			return nil, fmt.Errorf("inspect %s asset of block %s: %w", placement.Kind, placement.BlockID, probeErr)
		}

		inputs = append(inputs, Input{
			Path:     placement.Asset.FileRef,
			DelayMS:  placement.StartMS,
			Channels: info.Channels,
		})
	}

	return inputs, nil
}

func (e *Engine) outputPath(req Request, format audio.OutputFormat) string {
	name := req.RenderID
	if name == "" {
		name = "render"
	}

	return filepath.Join(e.outputDir, safeName(req.ProjectID), safeName(name)+format.Extension)
}

func orFormat(name string) string {
	if strings.TrimSpace(name) == "" {
		return audio.FormatM4B
	}

	return name
}

var pathReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

func safeName(name string) string {
	return pathReplacer.Replace(strings.TrimSpace(name))
}
