// Package persistence writes and reads run artifacts (outcomes, checkpoints,
// run records) on the local filesystem.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	Indent = "    " // Default indentation for JSON output (4 spaces)
	Prefix = ""     // Default prefix for JSON output
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// RawSerializer passes []byte payloads (encoded checkpoints) through as-is.
type RawSerializer struct{}

func (RawSerializer) Marshal(data any) ([]byte, error) {
	b, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw serializer needs []byte, got %T", data)
	}
	return b, nil
}

// FileWriter writes through a temp file and a rename, so a reader never
// sees a half-written checkpoint.
type FileWriter struct {
	Overwrite bool
	Perm      os.FileMode
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	perm := w.Perm
	if perm == 0 {
		perm = 0644
	}
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// WriteToFile persists data to a destination using the provided Serializer and Writer.
func WriteToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}

	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON persists data as JSON to a file with default settings (overwrite enabled, 4-space indent).
func WriteJSON(data any, filename string) error {
	return WriteToFile(data, filename, JSONSerializer{Prefix: Prefix, Indent: Indent}, FileWriter{Overwrite: true})
}

// WriteBytes persists an already encoded payload.
func WriteBytes(payload []byte, filename string) error {
	return WriteToFile(payload, filename, RawSerializer{}, FileWriter{Overwrite: true})
}

// ReadJSON decodes the JSON file into out.
func ReadJSON(filename string, out any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}
