package archive

import (
	"path"
	"strings"

	"github.com/keithlinneman/pkgfetch/internal/pathutil"
	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

// allowedExtensions are written and reported. Extensionless files (and
// dotfiles such as .gitignore, which have no stem) are allowed as well.
var allowedExtensions = map[string]bool{
	"tar":  true,
	"gz":   true,
	"zip":  true,
	"json": true,
	"txt":  true,
	"md":   true,
}

type entryType int

const (
	entryFile entryType = iota
	entryDir
	// links, devices, fifos: counted, never written
	entrySkip
)

// plan is the outcome of the enumeration pass: which member indexes get
// written, and the ordered result.
type plan struct {
	maxEntries int
	maxFile    int64

	seen   int
	write  map[int]Entry
	result Result

	// paths admitted so far, by cleaned relative path
	paths map[string]entryType
}

func newPlan(maxEntries int, maxFile int64) *plan {
	return &plan{
		maxEntries: maxEntries,
		maxFile:    maxFile,
		write:      make(map[int]Entry),
		paths:      make(map[string]entryType),
	}
}

// add admits member idx. Any error aborts the whole archive.
func (p *plan) add(idx int, ent Entry, typ entryType) error {
	p.seen++
	if p.seen > p.maxEntries {
		return reject("entries", xerrors.Invalidf("too many files in archive (more than %d entries)", p.maxEntries))
	}
	if !pathutil.IsPathSafe(ent.RelativePath) {
		return reject("path", xerrors.Invalidf("unsafe path in archive: %q", ent.RelativePath))
	}

	rel := cleanEntryName(ent.RelativePath)
	if rel == "" || typ == entrySkip {
		return nil
	}
	ent.RelativePath = rel

	// two members naming the same file would make the result depend on
	// which one was written last
	if prev, ok := p.paths[rel]; ok {
		if prev == entryDir && typ == entryDir {
			return nil
		}
		return reject("path", xerrors.Invalidf("duplicate entry in archive: %q", rel))
	}
	p.paths[rel] = typ

	if typ == entryDir {
		ent.IsDir = true
		p.write[idx] = ent
		return nil
	}
	if !extensionAllowed(rel) {
		return nil
	}
	if ent.DeclaredSize > p.maxFile {
		return reject("too_large", xerrors.Invalidf("entry %q declares %d bytes, limit %d", rel, ent.DeclaredSize, p.maxFile))
	}
	p.write[idx] = ent
	p.result = append(p.result, rel)
	return nil
}

func (p *plan) lookup(idx int) (Entry, bool) {
	ent, ok := p.write[idx]
	return ent, ok
}

// cleanEntryName normalizes separators and drops "./" noise. The archive root
// itself comes back as "".
func cleanEntryName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Clean(name)
	name = strings.TrimPrefix(name, "./")
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func extensionAllowed(rel string) bool {
	base := path.Base(rel)
	ext := path.Ext(base)
	if ext == "" || ext == base || ext == "." {
		return true
	}
	return allowedExtensions[strings.ToLower(ext[1:])]
}
