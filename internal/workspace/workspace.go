// Package workspace owns the scratch directories a single download or
// extraction works in.
//
// A Workspace is created per operation, never shared, and removed exactly
// once. The expected shape is:
//
//	ws, err := workspace.New("pkgfetch-dl")
//	if err != nil { ... }
//	defer ws.Close()
//	...
//	ws.Keep() // only on the path that hands the files to the caller
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

type Workspace struct {
	dir string

	mu   sync.Mutex
	kept bool
	once sync.Once
	err  error
}

// New creates <os.TempDir()>/<prefix>-<uuid> with 0700 permissions.
func New(prefix string) (*Workspace, error) {
	return NewIn(os.TempDir(), prefix)
}

// NewIn is New rooted at base instead of the system temp dir.
func NewIn(base, prefix string) (*Workspace, error) {
	if prefix == "" {
		prefix = "pkgfetch"
	}
	dir := filepath.Join(base, prefix+"-"+uuid.NewString())
	// Mkdir, not MkdirAll: the name must not exist yet
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, xerrors.Wrapf(err, "create workspace %s", dir)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// CreateFile creates a new uniquely named file inside the workspace. The
// name keeps ext so format dispatch by suffix still works downstream.
func (w *Workspace) CreateFile(stem, ext string) (*os.File, error) {
	name := stem + "-" + uuid.NewString() + ext
	if strings.ContainsAny(name, `/\`) {
		return nil, xerrors.Newf("invalid workspace file name %q", name)
	}
	p := filepath.Join(w.dir, name)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create workspace file %s", p)
	}
	return f, nil
}

// Keep transfers ownership of the directory to the caller; a later Close is
// a no-op.
func (w *Workspace) Keep() {
	w.mu.Lock()
	w.kept = true
	w.mu.Unlock()
}

// Close removes the workspace tree unless Keep was called. Safe to call more
// than once; only the first call does any work.
func (w *Workspace) Close() error {
	w.mu.Lock()
	kept := w.kept
	w.mu.Unlock()
	if kept {
		return nil
	}
	w.once.Do(func() {
		w.err = RemoveTree(w.dir)
	})
	return w.err
}

// RemoveTree deletes root depth-first: every file before the directory that
// holds it, deepest directories first. A missing root is not an error.
func RemoveTree(root string) error {
	if root == "" {
		return nil
	}
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	var files, dirs []string
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		files = append(files, p)
		return nil
	})

	var errs []error
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// longest path first so children go before parents
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if err := os.Remove(d); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		// last resort for anything the ordered pass could not handle
		if err := os.RemoveAll(root); err != nil {
			errs = append(errs, err)
			return xerrors.Wrapf(errors.Join(errs...), "remove %s", root)
		}
	}
	return nil
}

// Owner returns the workspace directory that contains path when path was
// produced by CreateFile, or "" if path is not inside a workspace with the
// given prefix.
func Owner(path, prefix string) string {
	dir := filepath.Dir(filepath.Clean(path))
	if prefix == "" {
		prefix = "pkgfetch"
	}
	if !strings.HasPrefix(filepath.Base(dir), prefix+"-") {
		return ""
	}
	return dir
}
