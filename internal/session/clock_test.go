package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustClock(t *testing.T) *Clock {
	c, err := NewClock()
	require.NoError(t, err)
	return c
}

func at(t *testing.T, s string) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	parsed, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	require.NoError(t, err)
	return parsed
}

func TestSessionAt(t *testing.T) {
	c := mustClock(t)
	cases := []struct {
		when string
		want Session
	}{
		{"2026-08-10 05:00", PreMarket},
		{"2026-08-10 09:30", Regular},
		{"2026-08-10 15:59", Regular},
		{"2026-08-10 17:00", AfterHours},
		{"2026-08-10 21:00", Closed},
		{"2026-08-08 10:00", Closed}, // Saturday
		{"2026-01-01 10:00", Closed}, // holiday
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.SessionAt(at(t, tc.when)), tc.when)
	}
}

func TestIsTradingDay(t *testing.T) {
	c := mustClock(t)
	assert.True(t, c.IsTradingDay(at(t, "2026-08-10 10:00")))
	assert.False(t, c.IsTradingDay(at(t, "2026-08-09 10:00")))
	assert.False(t, c.IsTradingDay(at(t, "2026-01-01 10:00")))
}
