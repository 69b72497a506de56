package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Formats
// =============================================================================

// Format is the text encoding of a FileStore.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatForPath picks the format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", NewStoreError("FormatForPath", "file", path, "unknown extension", ErrUnsupportedFormat)
	}
}

// Encode renders a mapping in format. Keys are always sorted so encoding the
// same mapping twice gives identical bytes.
func Encode(format Format, values map[string]string) ([]byte, error) {
	if values == nil {
		values = map[string]string{}
	}
	switch format {
	case FormatJSON:
		// encoding/json sorts map keys; two-space indent matches config.json files
		// written by the migration tooling.
		data, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(values); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(values)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// Decode parses a flat mapping. Scalar non-string values (numbers, booleans)
// are kept as their text form; nested values are rejected.
func Decode(format Format, data []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	switch format {
	case FormatYAML:
		// Decoding straight into strings keeps scalars like 0x0A verbatim.
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	case FormatJSON, FormatTOML:
		raw := map[string]any{}
		var err error
		if format == FormatJSON {
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			err = dec.Decode(&raw)
		} else {
			err = toml.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, err
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				out[k] = val
			case map[string]any, []any:
				return nil, fmt.Errorf("key %s: nested values are not supported", k)
			default:
				out[k] = fmt.Sprint(val)
			}
		}
		return out, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

// =============================================================================
// FileStore
// =============================================================================

// FileStore is a ConfigStore backed by a single human-readable file that is
// rewritten in full on every flush.
type FileStore struct {
	path   string
	format Format

	mu     sync.RWMutex
	values map[string]string
}

// NewFileStore opens the store at path. A missing file is an empty store;
// it is created on the first flush.
func NewFileStore(path string) (*FileStore, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{path: path, format: format, values: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, NewStoreError("NewFileStore", "file", path, err.Error(), err)
	}

	values, err := Decode(format, data)
	if err != nil {
		return nil, NewStoreError("NewFileStore", "file", path, err.Error(), ErrInvalidData)
	}
	s.values = values
	return s, nil
}

// Records reads the mapping currently on disk, ignoring unflushed Sets.
func (s *FileStore) Records(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, NewStoreError("Records", "file", s.path, err.Error(), err)
	}
	values, err := Decode(s.format, data)
	if err != nil {
		return nil, NewStoreError("Records", "file", s.path, err.Error(), ErrInvalidData)
	}
	return values, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", missingKey(key)
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	if key == "" {
		return NewStoreError("Set", "key", "", "key is empty", ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *FileStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.values)
}

// Flush writes the mapping to a temporary file next to the target, syncs it
// and renames it into place, so readers never see a partial file.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.RLock()
	data, err := Encode(s.format, s.values)
	s.mu.RUnlock()
	if err != nil {
		return NewStoreError("Flush", "file", s.path, err.Error(), ErrInvalidData)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return NewStoreError("Flush", "file", s.path, err.Error(), ErrWriteFailed)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
