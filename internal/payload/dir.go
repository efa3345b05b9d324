package payload

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DirProvider copies a local directory tree into node directories.
// Supervisor-owned files in the destination are never overwritten.
type DirProvider struct {
	Source string
}

// Fetch copies Source into dest.
func (d *DirProvider) Fetch(ctx context.Context, dest string) error {
	if err := d.copyTree(ctx, dest); err != nil {
		return &Error{Kind: ErrFetchFailed, Source: d.Source, Err: err}
	}
	return nil
}

// Update copies Source over dest again. Files removed from Source are left
// in place.
func (d *DirProvider) Update(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err != nil {
		return &Error{Kind: ErrUpdateFailed, Source: d.Source, Err: err}
	}
	if err := d.copyTree(ctx, dest); err != nil {
		return &Error{Kind: ErrUpdateFailed, Source: d.Source, Err: err}
	}
	return nil
}

// Check verifies Source is a readable directory.
func (d *DirProvider) Check(context.Context) error {
	info, err := os.Stat(d.Source)
	if err != nil {
		return &Error{Kind: ErrUnreachable, Source: d.Source, Err: err}
	}
	if !info.IsDir() {
		return &Error{Kind: ErrUnreachable, Source: d.Source, Err: fmt.Errorf("not a directory")}
	}
	return nil
}

func (d *DirProvider) copyTree(ctx context.Context, dest string) error {
	return filepath.WalkDir(d.Source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(d.Source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0o755)
		}
		if entry.IsDir() && entry.Name() == ".git" {
			return filepath.SkipDir
		}
		if isLocalFile(rel) {
			return nil
		}

		target := filepath.Join(dest, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case entry.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case entry.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func isLocalFile(rel string) bool {
	for _, name := range localFiles {
		if rel == name {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".payload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
