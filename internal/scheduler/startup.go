package scheduler

import (
	"context"
	"fmt"
)

// Pinger reports whether the store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ShouldStart decides whether a process runs its in-process loop. The reason is empty when
// the answer is yes.
func ShouldStart(ctx context.Context, enabled, requireDB bool, db Pinger) (bool, string) {
	if !enabled {
		return false, "disabled by ENABLE_SCHEDULER"
	}
	if !requireDB {
		return true, ""
	}
	if db == nil {
		return false, "no job store configured and SCHED_REQUIRE_DB is set"
	}
	if err := db.Ping(ctx); err != nil {
		return false, fmt.Sprintf("job store unreachable and SCHED_REQUIRE_DB is set: %v", err)
	}
	return true, ""
}
