package inspect

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/pkgfetch/internal/xerrors"
)

var ignoreFiles = map[string]bool{
	".gitignore":      true,
	".npmignore":      true,
	".dockerignore":   true,
	".eslintignore":   true,
	".prettierignore": true,
	".helmignore":     true,
}

var testDirs = map[string]bool{
	"test":      true,
	"tests":     true,
	"__tests__": true,
	"spec":      true,
	"testdata":  true,
}

// Summary describes the extracted contents of one package archive.
type Summary struct {
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`

	FileCount  int   `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`

	HasReadme     bool   `json:"has_readme"`
	Readme        string `json:"readme,omitempty"`
	HasLicense    bool   `json:"has_license"`
	License       string `json:"license,omitempty"`
	HasTests      bool   `json:"has_tests"`
	HasIgnoreFile bool   `json:"has_ignore_file"`

	// Files are the extracted relative paths in archive order
	Files []string `json:"files"`
}

// Scan walks dir and classifies what it finds. Symlinks are not followed.
func Scan(dir string) (*Summary, error) {
	s := &Summary{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := strings.ToLower(d.Name())

		if d.IsDir() {
			if testDirs[name] {
				s.HasTests = true
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		s.FileCount++
		s.TotalBytes += info.Size()

		switch {
		case isReadme(name):
			if !s.HasReadme || depth(rel) < depth(s.Readme) {
				s.HasReadme, s.Readme = true, rel
			}
		case isLicense(name):
			if !s.HasLicense || depth(rel) < depth(s.License) {
				s.HasLicense, s.License = true, rel
			}
		case ignoreFiles[name]:
			s.HasIgnoreFile = true
		case isTestFile(name):
			s.HasTests = true
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "scan %s", dir)
	}
	return s, nil
}

func stem(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func isReadme(name string) bool { return stem(name) == "readme" }

func isLicense(name string) bool {
	switch stem(name) {
	case "license", "licence", "copying", "unlicense":
		return true
	}
	return false
}

func isTestFile(name string) bool {
	if strings.HasPrefix(name, "test_") {
		return true
	}
	for _, marker := range []string{"_test.", ".test.", ".spec."} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func depth(rel string) int { return strings.Count(rel, "/") }
