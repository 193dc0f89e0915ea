package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "duration", raw: "60s", kind: KindInterval, every: time.Minute},
		{name: "interval prefix", raw: "interval: 2h30m", kind: KindInterval, every: 150 * time.Minute},
		{name: "every prefix", raw: "every:5m", kind: KindInterval, every: 5 * time.Minute},
		{name: "at every", raw: "@every 90s", kind: KindInterval, every: 90 * time.Second},
		{name: "hhmm", raw: "00:50", kind: KindInterval, every: 50 * time.Minute},
		{name: "cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "cron prefix", raw: "cron:0 3 * * *", kind: KindCron},
		{name: "descriptor", raw: "@hourly", kind: KindCron},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind)
			if tt.kind == KindInterval {
				assert.Equal(t, tt.every, s.Every)
			}
			again, err := Parse(s.String())
			require.NoError(t, err)
			assert.Equal(t, s.Kind, again.Kind)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "soon", "-5s", "0s", "cron:", "61 * * * *", "* * *", "interval:", "01:75"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestIntervalNextDueIsStartAnchored(t *testing.T) {
	s := MustParse("60s")

	// No prior run: due at the origin.
	assert.Equal(t, t0, s.NextDue(time.Time{}, t0))
	assert.True(t, s.Due(time.Time{}, t0, t0))

	// Run started at t=0 and finished at t=2; the next run is 60s after the start.
	next := s.NextDue(t0, t0)
	assert.Equal(t, t0.Add(60*time.Second), next)
	assert.False(t, s.Due(t0, t0, t0.Add(59*time.Second)))
	assert.True(t, s.Due(t0, t0, t0.Add(60*time.Second)))
}

func TestCronNextDueStrictlyAfter(t *testing.T) {
	s := MustParse("0 * * * *")

	// Last run exactly on a boundary: the same instant is not eligible again.
	assert.Equal(t, t0.Add(time.Hour), s.NextDue(t0, time.Time{}))

	// No history: first match strictly after the origin.
	origin := t0.Add(30 * time.Minute)
	assert.Equal(t, t0.Add(time.Hour), s.NextDue(time.Time{}, origin))
	assert.False(t, s.Due(time.Time{}, origin, t0.Add(59*time.Minute)))
	assert.True(t, s.Due(time.Time{}, origin, t0.Add(time.Hour)))
}

func TestNextDueDeterministic(t *testing.T) {
	s := MustParse("*/15 * * * *")
	last := t0.Add(7 * time.Minute)
	first := s.NextDue(last, t0)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.NextDue(last, t0))
	}
	assert.Equal(t, t0.Add(15*time.Minute), first)
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}
