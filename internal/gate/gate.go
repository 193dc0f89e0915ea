// Package gate decides whether the scheduler may run against the store's current schema.
package gate

import (
	"context"
	"fmt"

	"background-scheduler/internal/models"
)

// VersionReader is the store surface the gate needs. It is read-only.
type VersionReader interface {
	SchemaVersion(ctx context.Context) (models.SchemaVersion, error)
}

// Result is the outcome of a compatibility check.
type Result struct {
	Compatible bool `json:"compatible"`
	Expected   int  `json:"expected"`
	Actual     int  `json:"actual"`
}

func (r Result) String() string {
	if r.Compatible {
		return fmt.Sprintf("schema v%d", r.Actual)
	}
	return fmt.Sprintf("schema v%d, expected v%d", r.Actual, r.Expected)
}

// Gate compares the recorded schema version with the version this build ships.
type Gate struct {
	store    VersionReader
	expected int
}

func New(store VersionReader, expected int) *Gate {
	return &Gate{store: store, expected: expected}
}

// Expected is the version the gate requires.
func (g *Gate) Expected() int { return g.expected }

// Check reports compatibility against the configured expected version.
func (g *Gate) Check(ctx context.Context) (Result, error) {
	return CheckCompatible(ctx, g.store, g.expected)
}

// CheckCompatible reads the schema version and requires it to equal expected. A store that
// cannot be read returns an error rather than an incompatible result; callers retry those.
func CheckCompatible(ctx context.Context, store VersionReader, expected int) (Result, error) {
	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return Result{Expected: expected}, fmt.Errorf("read schema version: %w", err)
	}
	return Result{
		Compatible: v.Version == expected,
		Expected:   expected,
		Actual:     v.Version,
	}, nil
}
