package archive

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/keithlinneman/pkgfetch/internal/workspace"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// writer materializes admitted entries under root and remembers everything
// it created so a failed extraction can be undone.
type writer struct {
	root string

	// createdRoot is the topmost directory MkdirAll made for root, if any
	createdRoot string
	created     []string

	maxFile  int64
	maxTotal int64
	total    int64
}

func newWriter(dest string, maxFile, maxTotal int64) (*writer, error) {
	if strings.TrimSpace(dest) == "" {
		return nil, reject("destination", xerrors.Invalid("destination directory is empty"))
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, reject("destination", xerrors.AsInvalid(err, "destination not creatable"))
	}
	w := &writer{root: root, maxFile: maxFile, maxTotal: maxTotal}

	fi, err := os.Stat(root)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return nil, reject("destination", xerrors.Invalidf("destination %s is not a directory", root))
		}
		return w, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, reject("destination", xerrors.AsInvalid(err, "destination not creatable"))
	}

	top := root
	for {
		parent := filepath.Dir(top)
		if parent == top {
			break
		}
		if _, err := os.Stat(parent); err == nil {
			break
		}
		top = parent
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, reject("destination", xerrors.AsInvalid(err, "destination not creatable"))
	}
	w.createdRoot = top
	return w, nil
}

// resolve maps an entry name to a path that cannot leave root, even through
// symlinks already present in a reused destination.
func (w *writer) resolve(rel string) (string, error) {
	target, err := securejoin.SecureJoin(w.root, filepath.FromSlash(rel))
	if err != nil {
		return "", reject("path", xerrors.AsInvalid(err, "resolve archive entry"))
	}
	if target != w.root && !strings.HasPrefix(target, w.root+string(filepath.Separator)) {
		return "", reject("path", xerrors.Invalidf("entry %q resolves outside the destination", rel))
	}
	return target, nil
}

// ensureDir creates dir and any missing parents below root, one level at a
// time so each created level is tracked.
func (w *writer) ensureDir(dir string) error {
	rel, err := filepath.Rel(w.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return reject("path", xerrors.Invalidf("directory %q is outside the destination", dir))
	}
	if rel == "." {
		return nil
	}
	cur := w.root
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		switch {
		case err == nil:
			if !fi.IsDir() {
				return reject("path", xerrors.Invalidf("entry directory %q conflicts with an existing file", rel))
			}
		case errors.Is(err, fs.ErrNotExist):
			if err := os.Mkdir(cur, 0o755); err != nil {
				return xerrors.Wrapf(err, "create directory %s", cur)
			}
			w.created = append(w.created, cur)
		default:
			return xerrors.Wrapf(err, "stat %s", cur)
		}
	}
	return nil
}

func (w *writer) dir(rel string) error {
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	return w.ensureDir(target)
}

func (w *writer) file(rel string, r io.Reader) error {
	target, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := w.ensureDir(filepath.Dir(target)); err != nil {
		return err
	}

	// never reuse a path: rollback could not restore what was there
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return reject("path", xerrors.Invalidf("entry %q conflicts with an existing path", rel))
	}
	if err != nil {
		return xerrors.Wrapf(err, "create %s", target)
	}
	w.created = append(w.created, target)

	n, cerr := io.Copy(f, io.LimitReader(r, w.maxFile+1))
	closeErr := f.Close()
	if cerr != nil {
		return reject("corrupt", xerrors.AsInvalid(cerr, "read archive entry "+rel))
	}
	if n > w.maxFile {
		return reject("too_large", xerrors.Invalidf("entry %q exceeds %d bytes", rel, w.maxFile))
	}
	w.total += n
	if w.total > w.maxTotal {
		return reject("too_large", xerrors.Invalidf("extracted content exceeds %d bytes", w.maxTotal))
	}
	if closeErr != nil {
		return xerrors.Wrapf(closeErr, "close %s", target)
	}
	return nil
}

// rollback removes what this writer created, newest first so files go before
// the directories holding them.
func (w *writer) rollback() error {
	if w.createdRoot != "" {
		return workspace.RemoveTree(w.createdRoot)
	}
	var errs []error
	for i := len(w.created) - 1; i >= 0; i-- {
		if err := os.Remove(w.created[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
