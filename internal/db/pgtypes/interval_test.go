package pgtypes

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterval_Scan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    any
		expected Interval
		wantErr  bool
	}{
		{
			name:     "nil value",
			input:    nil,
			expected: Interval{},
		},
		{
			name:     "hourly frequency",
			input:    pgtype.Interval{Microseconds: int64(time.Hour / time.Microsecond), Valid: true},
			expected: NewInterval(time.Hour),
		},
		{
			name:     "weekly frequency stored as days",
			input:    pgtype.Interval{Days: 7, Valid: true},
			expected: NewInterval(7 * 24 * time.Hour),
		},
		{
			name:     "invalid pg interval",
			input:    pgtype.Interval{},
			expected: Interval{},
		},
		{
			name:     "string form",
			input:    "12:00:00",
			expected: NewInterval(12 * time.Hour),
		},
		{
			name:     "byte slice form",
			input:    []byte("00:30:00"),
			expected: NewInterval(30 * time.Minute),
		},
		{
			name:    "unparseable string",
			input:   "not-an-interval",
			wantErr: true,
		},
		{
			name:    "unsupported type",
			input:   123,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var i Interval
			err := i.Scan(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, i)
		})
	}
}

func TestInterval_Value(t *testing.T) {
	t.Parallel()

	val, err := NewInterval(12 * time.Hour).Value()
	require.NoError(t, err)
	assert.Equal(t, pgtype.Interval{Microseconds: int64(12 * time.Hour / time.Microsecond), Valid: true}, val)

	val, err = Interval{}.Value()
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestInterval_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NULL", Interval{}.String())
	assert.Equal(t, "12h0m0s", NewInterval(12*time.Hour).String())
}
