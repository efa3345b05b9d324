package payload

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewPicksProvider(t *testing.T) {
	plain := t.TempDir()
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))

	assert.IsType(t, Noop{}, New("", ""))
	assert.IsType(t, &DirProvider{}, New(plain, ""))
	assert.IsType(t, &GitProvider{}, New(repo, "main"))
	assert.IsType(t, &GitProvider{}, New("https://example.com/node.git", ""))
}

// TestDirProvider copies a tree and refreshes it without touching the
// supervisor's own files.
func TestDirProvider(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "start.sh"), "#!/bin/sh\necho v1\n")
	writeFile(t, filepath.Join(src, "lib", "util.sh"), "util")
	writeFile(t, filepath.Join(src, ".env"), "PORT=1\n")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref")
	require.NoError(t, os.Chmod(filepath.Join(src, "start.sh"), 0o755))

	dest := filepath.Join(t.TempDir(), "node-0")
	writeFile(t, filepath.Join(dest, ".env"), "PORT=8070\n")

	p := &DirProvider{Source: src}
	require.NoError(t, p.Check(context.Background()))
	require.NoError(t, p.Fetch(context.Background(), dest))

	assert.Contains(t, readFile(t, filepath.Join(dest, "start.sh")), "v1")
	assert.Equal(t, "util", readFile(t, filepath.Join(dest, "lib", "util.sh")))
	assert.Equal(t, "PORT=8070\n", readFile(t, filepath.Join(dest, ".env")), "node env must survive")
	assert.NoDirExists(t, filepath.Join(dest, ".git"))

	info, err := os.Stat(filepath.Join(dest, "start.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "executable bit kept")

	writeFile(t, filepath.Join(src, "start.sh"), "#!/bin/sh\necho v2\n")
	require.NoError(t, p.Update(context.Background(), dest))
	require.NoError(t, p.Update(context.Background(), dest))
	assert.Contains(t, readFile(t, filepath.Join(dest, "start.sh")), "v2")
}

func TestDirProviderErrors(t *testing.T) {
	missing := &DirProvider{Source: filepath.Join(t.TempDir(), "nope")}

	err := missing.Check(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)

	err = missing.Fetch(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrFetchFailed)

	ok := &DirProvider{Source: t.TempDir()}
	err = ok.Update(context.Background(), filepath.Join(t.TempDir(), "never-fetched"))
	assert.ErrorIs(t, err, ErrUpdateFailed)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: ErrFetchFailed, Source: "repo", Ref: "v1", Stderr: "fatal: not found\n", ExitCode: 128}
	assert.Equal(t, "payload fetch failed (repo@v1): exit 128: fatal: not found", err.Error())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.NotErrorIs(t, err, ErrUpdateFailed)
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-c", "user.email=fleet@example.com", "-c", "user.name=fleet", "-c", "init.defaultBranch=main"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

// TestGitProvider fetches from a local repository over file:// and updates
// after a new commit.
func TestGitProvider(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	origin := t.TempDir()
	git(t, origin, "init", "--quiet")
	writeFile(t, filepath.Join(origin, "start.sh"), "v1\n")
	git(t, origin, "add", ".")
	git(t, origin, "commit", "--quiet", "-m", "v1")

	p := &GitProvider{Source: "file://" + origin}
	require.NoError(t, p.Check(context.Background()))

	dest := filepath.Join(t.TempDir(), "node-0")
	writeFile(t, filepath.Join(dest, ".env"), "PORT=8070\n")
	require.NoError(t, p.Fetch(context.Background(), dest))
	assert.Equal(t, "v1\n", readFile(t, filepath.Join(dest, "start.sh")))
	assert.Equal(t, "PORT=8070\n", readFile(t, filepath.Join(dest, ".env")))

	writeFile(t, filepath.Join(origin, "start.sh"), "v2\n")
	git(t, origin, "commit", "--quiet", "-am", "v2")

	require.NoError(t, p.Update(context.Background(), dest))
	require.NoError(t, p.Update(context.Background(), dest), "update is idempotent")
	assert.Equal(t, "v2\n", readFile(t, filepath.Join(dest, "start.sh")))
	assert.Equal(t, "PORT=8070\n", readFile(t, filepath.Join(dest, ".env")))

	exclude := readFile(t, filepath.Join(dest, ".git", "info", "exclude"))
	assert.Contains(t, exclude, "/.env\n")
	assert.Contains(t, exclude, "/node.pid\n")
}

func TestGitProviderErrors(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	p := &GitProvider{Source: "file://" + filepath.Join(t.TempDir(), "missing")}

	err := p.Check(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)

	err = p.Fetch(context.Background(), filepath.Join(t.TempDir(), "node-0"))
	assert.ErrorIs(t, err, ErrFetchFailed)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.NotZero(t, perr.ExitCode)
	assert.NotEmpty(t, perr.Stderr)

	err = p.Update(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrUpdateFailed)

	missingGit := &GitProvider{Source: "file:///x", Git: "git-definitely-not-installed"}
	assert.ErrorIs(t, missingGit.Check(context.Background()), ErrUnreachable)
}
