package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io/fs"
	"math"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

const irregularModes = fs.ModeSymlink | fs.ModeDevice | fs.ModeCharDevice | fs.ModeNamedPipe | fs.ModeSocket | fs.ModeIrregular

type zipSource struct {
	r *zip.ReadCloser
}

func openZip(p string) (*zipSource, error) {
	r, err := zip.OpenReader(p)
	if errors.Is(err, zip.ErrInsecurePath) {
		// only returned with GODEBUG=zipinsecurepath=0, same verdict as ours
		_ = r.Close()
		return nil, reject("path", xerrors.AsInvalid(err, "unsafe path in archive"))
	}
	if err != nil {
		return nil, reject("corrupt", xerrors.AsInvalid(err, "cannot open zip archive"))
	}
	return &zipSource{r: r}, nil
}

func (s *zipSource) Close() error { return s.r.Close() }

func zipEntryType(f *zip.File) entryType {
	switch {
	case f.FileInfo().IsDir():
		return entryDir
	case f.Mode()&irregularModes != 0:
		return entrySkip
	default:
		return entryFile
	}
}

func (s *zipSource) scan(ctx context.Context, p *plan) error {
	for idx, f := range s.r.File {
		if err := ctx.Err(); err != nil {
			return reject("canceled", xerrors.AsInvalid(err, "extraction canceled"))
		}
		size := int64(math.MaxInt64)
		if f.UncompressedSize64 <= math.MaxInt64 {
			size = int64(f.UncompressedSize64)
		}
		typ := zipEntryType(f)
		if err := p.add(idx, Entry{
			RelativePath: f.Name,
			DeclaredSize: size,
			IsDir:        typ == entryDir,
		}, typ); err != nil {
			return err
		}
	}
	return nil
}

func (s *zipSource) write(ctx context.Context, p *plan, w *writer) error {
	for idx, f := range s.r.File {
		if err := ctx.Err(); err != nil {
			return reject("canceled", xerrors.AsInvalid(err, "extraction canceled"))
		}
		ent, ok := p.lookup(idx)
		if !ok {
			continue
		}
		if ent.IsDir {
			if err := w.dir(ent.RelativePath); err != nil {
				return err
			}
			continue
		}
		if err := s.writeFile(f, ent, w); err != nil {
			return err
		}
	}
	return nil
}

func (s *zipSource) writeFile(f *zip.File, ent Entry, w *writer) error {
	rc, err := f.Open()
	if err != nil {
		return reject("corrupt", xerrors.AsInvalid(err, "open zip entry "+ent.RelativePath))
	}
	defer rc.Close()
	return w.file(ent.RelativePath, rc)
}
