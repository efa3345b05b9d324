package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// localFiles are written by the supervisor into every node directory and
// are kept out of git's view so updates never touch them.
var localFiles = []string{".env", "node.pid"}

// GitProvider fetches payloads from a git repository.
//
// The node directory already exists when Fetch runs (it holds the env
// file), so instead of cloning into it the provider initializes a
// repository in place and fetches a single shallow commit.
type GitProvider struct {
	Source string // Repository URL or path
	Ref    string // Branch, tag or commit; empty means the remote HEAD
	Git    string // git executable, default "git"
}

func (g *GitProvider) ref() string {
	if g.Ref == "" {
		return "HEAD"
	}
	return g.Ref
}

// Fetch initializes dest as a work tree of the payload at Ref.
//
// Parameters:
//   - ctx: Context for cancellation
//   - dest: Node directory; it may already contain supervisor files
//
// Returns:
//   - error: A *Error wrapping ErrFetchFailed with git's stderr on failure
func (g *GitProvider) Fetch(ctx context.Context, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return g.fail(ErrFetchFailed, fmt.Errorf("creating %s: %w", dest, err))
	}
	if err := g.run(ctx, ErrFetchFailed, dest, "init", "--quiet"); err != nil {
		return err
	}
	if err := g.excludeLocalFiles(dest); err != nil {
		return g.fail(ErrFetchFailed, err)
	}
	// A directory left behind by an earlier failed fetch already has the remote.
	_ = g.run(ctx, ErrFetchFailed, dest, "remote", "remove", "origin")
	if err := g.run(ctx, ErrFetchFailed, dest, "remote", "add", "origin", g.Source); err != nil {
		return err
	}
	return g.sync(ctx, ErrFetchFailed, dest)
}

// Update moves dest to the current commit of Ref, discarding local edits to
// tracked files. Running it twice in a row is a no-op the second time.
func (g *GitProvider) Update(ctx context.Context, dest string) error {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		return g.fail(ErrUpdateFailed, fmt.Errorf("%s is not a git payload: %w", dest, err))
	}
	return g.sync(ctx, ErrUpdateFailed, dest)
}

// Check verifies the git executable exists and the source answers.
func (g *GitProvider) Check(ctx context.Context) error {
	if _, err := exec.LookPath(g.git()); err != nil {
		return g.fail(ErrUnreachable, err)
	}
	return g.run(ctx, ErrUnreachable, "", "ls-remote", "--exit-code", g.Source, g.ref())
}

func (g *GitProvider) sync(ctx context.Context, kind error, dest string) error {
	if err := g.run(ctx, kind, dest, "fetch", "--quiet", "--depth", "1", "origin", g.ref()); err != nil {
		return err
	}
	return g.run(ctx, kind, dest, "reset", "--quiet", "--hard", "FETCH_HEAD")
}

func (g *GitProvider) excludeLocalFiles(dest string) error {
	path := filepath.Join(dest, ".git", "info", "exclude")
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var add []string
	for _, name := range localFiles {
		if !bytes.Contains(existing, []byte("/"+name+"\n")) {
			add = append(add, "/"+name)
		}
	}
	if len(add) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(add, "\n") + "\n")
	return err
}

func (g *GitProvider) git() string {
	if g.Git == "" {
		return "git"
	}
	return g.Git
}

func (g *GitProvider) run(ctx context.Context, kind error, dir string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.git(), args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	// Never prompt for credentials from a batch worker.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &Error{
			Kind:     kind,
			Source:   g.Source,
			Ref:      g.Ref,
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return nil
}

func (g *GitProvider) fail(kind, err error) error {
	return &Error{Kind: kind, Source: g.Source, Ref: g.Ref, Err: err}
}
