// Package migrations embeds the versioned SQL files that shape the job store.
//
// Files are named NNNN_description.sql; NNNN is the schema version the file
// produces once applied.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// Files contains all SQL migration files in ascending order by filename.
//
//go:embed *.sql
var Files embed.FS

// Migration is one versioned SQL file.
type Migration struct {
	Name    string
	Version int
}

// List returns the .sql files at the root of fsys sorted by version.
func List(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := ParseVersion(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		out = append(out, Migration{Name: e.Name(), Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ParseVersion extracts the numeric prefix of a migration filename.
func ParseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q: expected NNNN_name.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migration %q: invalid version prefix", name)
	}
	return v, nil
}

// Latest is the schema version this build expects the store to be at.
func Latest() int {
	list, err := List(Files)
	if err != nil || len(list) == 0 {
		return 0
	}
	return list[len(list)-1].Version
}
