// Package schedule parses job schedule specs and computes when a job is next due.
//
// Two kinds are supported: fixed intervals and cron expressions. Interval
// schedules are anchored to the start of the previous run, so a slow handler
// does not push later runs back.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// Schedule is a parsed, validated schedule spec.
type Schedule struct {
	Kind   Kind
	Every  time.Duration
	Expr   string
	Source string

	cron cron.Schedule
}

var (
	parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// Parse parses a schedule string.
//
// Supported forms:
//   - "cron:<expr>" or a bare five-field expression / "@hourly"-style descriptor
//   - "interval:<d>", "every:<d>", "@every <d>" or a bare Go duration like "60s"
//   - HH:MM as an interval, e.g. "02:30" for two and a half hours
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(raw, s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return parseInterval(raw, s[len("@every"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(raw, s)
	}
	return parseInterval(raw, s)
}

// MustParse is Parse for static definitions; it panics on error.
func MustParse(raw string) Schedule {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: cron expression required in %q", ErrInvalidSchedule, raw)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, Source: raw, cron: sched}, nil
}

func parseInterval(raw, v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("%w: interval required in %q", ErrInvalidSchedule, raw)
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q (use cron like '*/5 * * * *' or a duration like '60s')", ErrInvalidSchedule, raw)
		}
		d = parsed
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("%w: interval must be > 0 in %q", ErrInvalidSchedule, raw)
	}
	return Schedule{Kind: KindInterval, Every: d, Expr: d.String(), Source: raw}, nil
}

// String renders the schedule in a form Parse accepts.
func (s Schedule) String() string {
	if s.Kind == KindCron {
		return "cron:" + s.Expr
	}
	return "interval:" + s.Every.String()
}

// IsZero reports whether s was never parsed.
func (s Schedule) IsZero() bool {
	return s.Every == 0 && s.cron == nil
}

// NextDue returns when a job with this schedule is next due.
//
// last is the start of the most recent run, zero when the job never ran. origin
// is the reference point used for jobs without history, normally the scheduler
// start time plus the job's start delay. The result depends only on its inputs.
func (s Schedule) NextDue(last, origin time.Time) time.Time {
	switch s.Kind {
	case KindCron:
		ref := origin
		if !last.IsZero() {
			ref = last
		}
		if s.cron == nil {
			return time.Time{}
		}
		return s.cron.Next(ref)
	default:
		if last.IsZero() {
			return origin
		}
		return last.Add(s.Every)
	}
}

// Due reports whether the job is due at now.
func (s Schedule) Due(last, origin, now time.Time) bool {
	next := s.NextDue(last, origin)
	return !next.IsZero() && !next.After(now)
}
