// Package processor holds the tag processors run by the runner: each one
// looks at a single entry and reports raw tags for it.
package processor

import (
	"context"
	"errors"
	"fmt"

	"librarian/internal/config"
	"librarian/internal/model"
	"librarian/internal/tags"
)

var (
	// ErrSkip marks an entry that the processor deliberately does not tag.
	ErrSkip = errors.New("entry skipped")
	// ErrTransient marks a failure worth retrying the whole batch for.
	ErrTransient = errors.New("transient processor error")
	// ErrHalt marks a failure that stops the processor until restarted.
	ErrHalt = errors.New("processor halted")
)

// PermanentError is a failure bound to one entry. The entry is marked
// failed and the processor moves on.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Processor derives raw tags from an entry.
type Processor interface {
	Process(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	return f(ctx, feed, entry)
}

// gate skips entries of feeds the processor is not allowed to handle.
type gate struct {
	collections bool
	users       bool
	next        Processor
}

func (g gate) Process(ctx context.Context, feed model.Feed, entry model.Entry) ([]tags.RawTag, error) {
	if feed.IsCollection && !g.collections {
		return nil, fmt.Errorf("%w: processor not allowed for collection feeds", ErrSkip)
	}
	if !feed.IsCollection && !g.users {
		return nil, fmt.Errorf("%w: processor not allowed for user feeds", ErrSkip)
	}
	return g.next.Process(ctx, feed, entry)
}

// Build creates the processor described by cfg.
func Build(cfg config.ProcessorConfig, deps LLMDeps) (Processor, error) {
	var p Processor
	switch cfg.Type {
	case config.ProcessorDomain:
		p = ProcessorFunc(Domain)
	case config.ProcessorNativeTags:
		p = ProcessorFunc(NativeTags)
	case config.ProcessorUpperCaseTitle:
		p = ProcessorFunc(UpperCaseTitle)
	case config.ProcessorLLMGeneral:
		llmProc, err := NewLLMGeneral(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("processor %d: %w", cfg.ID, err)
		}
		p = llmProc
	default:
		return nil, fmt.Errorf("processor %d: unknown type %q", cfg.ID, cfg.Type)
	}
	return gate{collections: cfg.AllowedForCollections, users: cfg.AllowedForUsers, next: p}, nil
}
