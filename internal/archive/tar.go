package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"

	"github.com/keithlinneman/pkgfetch/internal/workspace"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// tarSource is an uncompressed tar file on disk. Each pass reopens it.
type tarSource string

func tarEntryType(hdr *tar.Header) entryType {
	switch hdr.Typeflag {
	case tar.TypeReg:
		return entryFile
	case tar.TypeDir:
		return entryDir
	default:
		return entrySkip
	}
}

// each calls fn for every member in order. Global pax headers are metadata,
// not members, and are not passed on.
func (s tarSource) each(ctx context.Context, fn func(idx int, hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(string(s))
	if err != nil {
		return reject("missing", xerrors.AsInvalid(err, "open tar archive"))
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return reject("canceled", xerrors.AsInvalid(err, "extraction canceled"))
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return reject("corrupt", xerrors.AsInvalid(err, "corrupt tar archive"))
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(idx, hdr, tr); err != nil {
			return err
		}
	}
}

func (s tarSource) scan(ctx context.Context, p *plan) error {
	return s.each(ctx, func(idx int, hdr *tar.Header, _ io.Reader) error {
		return p.add(idx, Entry{
			RelativePath: hdr.Name,
			DeclaredSize: hdr.Size,
			IsDir:        hdr.Typeflag == tar.TypeDir,
		}, tarEntryType(hdr))
	})
}

func (s tarSource) write(ctx context.Context, p *plan, w *writer) error {
	return s.each(ctx, func(idx int, _ *tar.Header, r io.Reader) error {
		ent, ok := p.lookup(idx)
		if !ok {
			return nil
		}
		if ent.IsDir {
			return w.dir(ent.RelativePath)
		}
		return w.file(ent.RelativePath, r)
	})
}

// gunzip decompresses src into a .tar inside ws, refusing to produce more
// than max bytes.
func gunzip(src string, ws *workspace.Workspace, max int64) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", reject("missing", xerrors.AsInvalid(err, "open archive"))
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", reject("corrupt", xerrors.AsInvalid(err, "corrupt gzip stream"))
	}
	defer zr.Close()

	out, err := ws.CreateFile("decompressed", ".tar")
	if err != nil {
		return "", reject("workspace", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(zr, max+1))
	if err != nil {
		return "", reject("corrupt", xerrors.AsInvalid(err, "corrupt gzip stream"))
	}
	if n > max {
		return "", reject("too_large", xerrors.Invalidf("decompressed archive exceeds %d bytes", max))
	}
	if err := out.Close(); err != nil {
		return "", reject("workspace", xerrors.Wrap(err, "close decompressed archive"))
	}
	return out.Name(), nil
}
