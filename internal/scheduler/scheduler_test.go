package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/session"
)

func TestRecentSessionDays_SkipsWeekend(t *testing.T) {
	clock, err := session.NewClock()
	require.NoError(t, err)
	s := &Scheduler{clock: clock}

	// 2026-08-10 is a Monday; walking back 5 trading sessions should
	// skip the weekend of 2026-08-08/09 entirely.
	monday := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	days := s.recentSessionDays(monday, 5)

	require.Len(t, days, 5)
	assert.Equal(t, "2026-08-10", days[0])
	assert.Equal(t, "2026-08-07", days[1]) // prior Friday
	assert.NotContains(t, days, "2026-08-09")
	assert.NotContains(t, days, "2026-08-08")
}

func TestRecentSessionDays_RequestedLengthHonored(t *testing.T) {
	clock, err := session.NewClock()
	require.NoError(t, err)
	s := &Scheduler{clock: clock}

	days := s.recentSessionDays(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), 3)
	assert.Len(t, days, 3)
}
