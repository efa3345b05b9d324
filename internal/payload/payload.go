// Package payload fetches and refreshes the runnable code of a node.
//
// A payload lands directly in the node directory, next to the node's
// environment file and PID record, so the launch command finds it in its
// working directory.
package payload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrFetchFailed is returned when the initial payload could not be
	// materialized in a node directory.
	ErrFetchFailed = errors.New("payload fetch failed")

	// ErrUpdateFailed is returned when an existing payload could not be
	// refreshed in place.
	ErrUpdateFailed = errors.New("payload update failed")

	// ErrUnreachable is returned by Check when the source cannot be read.
	ErrUnreachable = errors.New("payload source unreachable")
)

// Provider materializes payloads. Update must be idempotent: calling it on
// an up-to-date payload is a no-op that succeeds.
type Provider interface {
	Fetch(ctx context.Context, dest string) error
	Update(ctx context.Context, dest string) error
	Check(ctx context.Context) error
}

// Error represents a detailed payload operation failure.
type Error struct {
	// Kind is ErrFetchFailed, ErrUpdateFailed or ErrUnreachable
	Kind error

	// Source and Ref identify the payload
	Source string
	Ref    string

	// Stderr contains the tool output, if a tool was run
	Stderr string

	// ExitCode is the tool's exit code, 0 if it did not run
	ExitCode int

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%v (%s", e.Kind, e.Source)
	if e.Ref != "" {
		msg += "@" + e.Ref
	}
	msg += ")"
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit %d: %s", msg, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the kind and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New picks a provider for source: nothing for an empty source, a plain
// directory copy for a local directory that is not a git work tree, and
// git for everything else.
func New(source, ref string) Provider {
	if source == "" {
		return Noop{}
	}
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(source, ".git")); err != nil {
			return &DirProvider{Source: source}
		}
	}
	return &GitProvider{Source: source, Ref: ref}
}

// Noop is the provider for fleets whose launch command needs no payload.
type Noop struct{}

func (Noop) Fetch(context.Context, string) error  { return nil }
func (Noop) Update(context.Context, string) error { return nil }
func (Noop) Check(context.Context) error          { return nil }
