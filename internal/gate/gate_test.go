package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-scheduler/internal/store"
)

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		name     string
		actual   int
		expected int
		want     bool
	}{
		{name: "equal", actual: 2, expected: 2, want: true},
		{name: "behind", actual: 1, expected: 2, want: false},
		{name: "ahead", actual: 3, expected: 2, want: false},
		{name: "never migrated", actual: 0, expected: 2, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore(tt.actual)
			res, err := CheckCompatible(context.Background(), s, tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Compatible)
			assert.Equal(t, tt.actual, res.Actual)
			assert.Equal(t, tt.expected, res.Expected)
		})
	}
}

func TestGateUnavailableIsNotIncompatible(t *testing.T) {
	s := store.NewMemoryStore(2)
	s.SetUnavailable(true)
	g := New(s, 2)

	res, err := g.Check(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.False(t, res.Compatible)

	s.SetUnavailable(false)
	res, err = g.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Compatible)
	assert.Equal(t, "schema v2", res.String())
}

func TestGateDoesNotMutate(t *testing.T) {
	s := store.NewMemoryStore(1)
	g := New(s, 2)
	for i := 0; i < 3; i++ {
		res, err := g.Check(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Compatible)
	}
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
}
