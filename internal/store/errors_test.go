package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWrapClassifiesConnectivity(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "eof", err: io.ErrUnexpectedEOF, unavailable: true},
		{name: "deadline", err: context.DeadlineExceeded, unavailable: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, unavailable: false},
		{name: "plain", err: errors.New("boom"), unavailable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("op", fmt.Errorf("inner: %w", tt.err))
			assert.Equal(t, tt.unavailable, errors.Is(err, ErrStoreUnavailable))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "op: ")
		})
	}
	assert.NoError(t, wrap("op", nil))
}
