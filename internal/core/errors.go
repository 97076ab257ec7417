package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSchema marks malformed upstream structured output.
	ErrSchema = errors.New("schema error")
	// ErrProviderUnavailable marks a provider that failed to initialize.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrGeneration marks a job that exhausted its retries.
	ErrGeneration = errors.New("generation failure")
	// ErrValidation marks audio that failed the sanity checks.
	ErrValidation = errors.New("validation failure")
	// ErrAssembly marks a mixing or output failure.
	ErrAssembly = errors.New("assembly failure")
	// ErrNarrationFailed marks a render that lost a load-bearing narration block.
	ErrNarrationFailed = errors.New("narration failed")
	// ErrRenderCancelled marks a render stopped by a project-level cancel.
	ErrRenderCancelled = errors.New("render cancelled")
	// ErrProjectNotFound is returned by repositories for unknown project ids.
	ErrProjectNotFound = errors.New("project not found")
)

// SchemaError describes where upstream structured output was malformed.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema error: %s", e.Reason)
	}

	return fmt.Sprintf("schema error at %s: %s", e.Path, e.Reason)
}

// Is lets errors.Is(err, ErrSchema) match any *SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// NewSchemaError builds a SchemaError.
func NewSchemaError(path, reason string) *SchemaError {
	return &SchemaError{Path: path, Reason: reason}
}
