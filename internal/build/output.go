package build

import (
	"fmt"
	"os"
	"path/filepath"
)

// Output tree directories under the build output directory.
const (
	TmpDir        = "tmp"
	PropertiesDir = "properties"
	TilesDir      = "tiles"
)

// ArchiveName returns the archive file name of a source.
func ArchiveName(source string) string { return source + ".pmtiles" }

// PropertiesName returns the properties file name of a source.
func PropertiesName(source string) string { return source + ".json" }

// IntermediateName returns the intermediate GeoJSON file name of a source.
func IntermediateName(source string) string { return source + ".geojson" }

// PropertiesDB is the shared properties database file name.
const PropertiesDB = "properties.db"

// pendingFile is written under a temporary name and only replaces its
// final path on commit.
type pendingFile struct {
	*os.File
	final string
}

func createPending(final string) (*pendingFile, error) {
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &pendingFile{File: f, final: final}, nil
}

func (p *pendingFile) commit() error {
	if err := p.Close(); err != nil {
		os.Remove(p.Name())
		return err
	}
	if err := os.Rename(p.Name(), p.final); err != nil {
		os.Remove(p.Name())
		return fmt.Errorf("rename %s: %w", p.final, err)
	}
	return nil
}

func (p *pendingFile) abort() {
	p.Close()
	os.Remove(p.Name())
}

// pendingSet commits a group of files together.
type pendingSet []*pendingFile

func (s *pendingSet) create(final string) (*pendingFile, error) {
	p, err := createPending(final)
	if err != nil {
		return nil, err
	}
	*s = append(*s, p)
	return p, nil
}

func (s pendingSet) commit() error {
	for i, p := range s {
		if err := p.commit(); err != nil {
			for _, rest := range s[i+1:] {
				rest.abort()
			}
			return err
		}
	}
	return nil
}

func (s pendingSet) abort() {
	for _, p := range s {
		p.abort()
	}
}
