package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tesseradb/tessera/internal/fs"
)

// FormatVersion is the on-disk schema format version. Loading rejects files
// written by a different version.
const FormatVersion = 1

// File names of persisted schemas inside an array or metadata directory.
const (
	ArraySchemaFile    = "__array_schema.json"
	MetadataSchemaFile = "__metadata_schema.json"
)

var (
	// ErrNotFound indicates the directory holds no schema file.
	ErrNotFound = errors.New("schema not found")
	// ErrVersion indicates a schema file written by an unknown format version.
	ErrVersion = errors.New("unsupported schema version")
)

func (s *Schema) fileName() string {
	if s.Kind == KindMetadata {
		return MetadataSchemaFile
	}
	return ArraySchemaFile
}

// Save persists the schema into dir atomically.
func (s *Schema) Save(fsys fs.FileSystem, dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	data = append(data, '\n')
	if err := fs.WriteFileAtomic(fsys, dir, s.fileName(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}

// Load reads the schema persisted in dir, accepting either an array or a
// metadata schema file. It validates the definition and recomputes derived
// state, so a loaded schema behaves exactly like a freshly built one.
func Load(fsys fs.FileSystem, dir string) (*Schema, error) {
	var data []byte
	var err error
	for _, name := range []string{ArraySchemaFile, MetadataSchemaFile} {
		data, err = fs.ReadFile(fsys, filepath.Join(dir, name))
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, s.Version)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.finish()
	return &s, nil
}
