package pdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	l, err := Open(":memory:", 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestWouldBeDayTrade(t *testing.T) {
	l := newTestLedger(t)
	today := time.Now()

	would, err := l.WouldBeDayTrade("AAPL", today)
	require.NoError(t, err)
	require.False(t, would)

	require.NoError(t, l.RecordOpen("AAPL", today))

	would, err = l.WouldBeDayTrade("AAPL", today)
	require.NoError(t, err)
	require.True(t, would)
}

func TestGate_BlocksAtLimit(t *testing.T) {
	l := newTestLedger(t)
	today := time.Now()
	day := today.Format("2006-01-02")

	require.NoError(t, l.RecordOpen("MSFT", today))
	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordDayTrade("SYM"+string(rune('A'+i)), today))
	}

	blocked, reason, err := l.Gate("MSFT", 10000, 25000, 3, []string{day}, today)
	require.NoError(t, err)
	require.True(t, blocked)
	require.NotEmpty(t, reason)
}

func TestGate_AllowsAboveEquityThreshold(t *testing.T) {
	l := newTestLedger(t)
	today := time.Now()
	day := today.Format("2006-01-02")

	require.NoError(t, l.RecordOpen("MSFT", today))
	blocked, _, err := l.Gate("MSFT", 30000, 25000, 3, []string{day}, today)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestBlock_IsBlocked(t *testing.T) {
	l := newTestLedger(t)
	blocked, err := l.IsBlocked("TSLA")
	require.NoError(t, err)
	require.False(t, blocked)

	require.NoError(t, l.Block("TSLA"))

	blocked, err = l.IsBlocked("TSLA")
	require.NoError(t, err)
	require.True(t, blocked)
}
