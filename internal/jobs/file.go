// Package jobs turns the static jobs file into registry definitions and holds the built-in
// handler kinds.
package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

var ErrUnknownKind = errors.New("unknown job kind")

// File is the on-disk list of scheduled jobs.
type File struct {
	Jobs []Spec `yaml:"jobs"`
}

// Spec is one job entry. Params are interpreted by the kind's handler.
type Spec struct {
	Name          string         `yaml:"name"`
	Schedule      string         `yaml:"schedule"`
	Kind          string         `yaml:"kind"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	StartDelay    time.Duration  `yaml:"start_delay"`
	LockTTL       time.Duration  `yaml:"lock_ttl"`
	Disabled      bool           `yaml:"disabled"`
	Params        map[string]any `yaml:"params"`
}

// LoadFile reads and parses a jobs file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read jobs file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a jobs document. Unknown fields are rejected so typos fail startup.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("decode jobs file: %w", err)
	}
	return f, nil
}
