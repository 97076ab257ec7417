package provider

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/core"
)

// Placeholders substituted into command arguments.
const (
	placeholderText        = "{text}"
	placeholderVoice       = "{voice}"
	placeholderStyle       = "{style}"
	placeholderDescription = "{description}"
	placeholderOutput      = "{output}"
	placeholderSeconds     = "{duration_seconds}"
	placeholderSpeed       = "{speed}"
)

// ErrCommandEmpty is returned when a command backend has no binary configured.
var ErrCommandEmpty = errors.New("command cannot be empty")

// CommandConfig configures a CommandBackend.
type CommandConfig struct {
	Runner  audio.Runner
	Name    string
	Command string
	Format  string
	Args    []string
}

// CommandBackend synthesizes audio by running a local binary, such as a chatllm or piper build,
// that writes its result to the {output} path.
type CommandBackend struct {
	runner  audio.Runner
	name    string
	command string
	format  string
	args    []string
}

// NewCommandBackend creates a command backend.
func NewCommandBackend(cfg CommandConfig) (*CommandBackend, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrCommandEmpty
	}

	runner := cfg.Runner
	if runner == nil {
		runner = audio.ExecRunner{}
	}

	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Format)), ".")
	if format == "" {
		format = defaultAudioFormat
	}

	return &CommandBackend{
		runner:  runner,
		name:    cfg.Name,
		command: cfg.Command,
		format:  format,
		args:    cfg.Args,
	}, nil
}

// Name returns the configured backend name.
func (b *CommandBackend) Name() string {
	return b.name
}

// Extension returns the file extension the command writes.
func (b *CommandBackend) Extension() string {
	return "." + b.format
}

// HealthCheck verifies that the binary can be found.
func (b *CommandBackend) HealthCheck(_ context.Context) error {
	_, lookErr := exec.LookPath(b.command)
	if lookErr != nil {
		return fmt.Errorf("command %q not found: %w", b.command, lookErr)
	}

	return nil
}

// Generate runs the command with its placeholders filled from req.
func (b *CommandBackend) Generate(ctx context.Context, req core.GenerationRequest, dest string) error {
	if req.Kind == core.KindNarration && strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}

	if req.Kind != core.KindNarration && strings.TrimSpace(req.Description) == "" {
		return ErrEmptyDescription
	}

	output, runErr := b.runner.Run(ctx, b.command, b.Args(req, dest)...)
	if runErr != nil {
		return fmt.Errorf("%s execution failed: %w - output: %s", b.command, runErr, strings.TrimSpace(string(output)))
	}

	return nil
}

// Args returns the argument list for req with every placeholder substituted.
func (b *CommandBackend) Args(req core.GenerationRequest, dest string) []string {
	replacer := strings.NewReplacer(
		placeholderText, req.Text,
		placeholderVoice, req.VoiceID,
		placeholderStyle, req.Style,
		placeholderDescription, req.Description,
		placeholderOutput, dest,
		placeholderSeconds, strconv.FormatFloat(float64(req.TargetDurationMS)/millisPerSecond, 'f', 1, 64),
		placeholderSpeed, strconv.FormatFloat(req.Speed, 'f', 2, 64),
	)

	args := make([]string, 0, len(b.args))
	for _, arg := range b.args {
		args = append(args, replacer.Replace(arg))
	}

	return args
}
