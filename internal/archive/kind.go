package archive

import (
	"path/filepath"
	"strings"
)

// Kind is the archive format, chosen from the file name suffix.
type Kind int

const (
	KindUnknown Kind = iota
	KindTar
	KindTarGz
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindTar:
		return "tar"
	case KindTarGz:
		return "tar.gz"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}

// KindFromPath maps .tar.gz/.tgz, .tar and .zip (any case) to their Kind.
func KindFromPath(p string) Kind {
	name := strings.ToLower(filepath.Base(p))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return KindTarGz
	case strings.HasSuffix(name, ".tar"):
		return KindTar
	case strings.HasSuffix(name, ".zip"):
		return KindZip
	}
	return KindUnknown
}
