package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
)

func TestBucketFor(t *testing.T) {
	assert.Equal(t, Low, bucketFor(0.005))
	assert.Equal(t, Moderate, bucketFor(0.015))
	assert.Equal(t, High, bucketFor(0.03))
	assert.Equal(t, Extreme, bucketFor(-0.06))
}

func TestCheckOpeningGaps(t *testing.T) {
	g := New(config.Guard{})
	now := time.Now()
	g.RecordClose([]gateway.Position{{Symbol: "AAPL", CurrentPrice: 100, Qty: 10}}, now)

	alerts := g.CheckOpeningGaps(map[string]float64{"AAPL": 103})
	assert.Len(t, alerts, 1)
	assert.Equal(t, High, alerts[0].Bucket)
}

func TestSelectOvernightLiquidations_LargestLossFirst(t *testing.T) {
	g := New(config.Guard{MaxOvernightPositions: 1})
	positions := []gateway.Position{
		{Symbol: "A", UnrealizedPL: -50},
		{Symbol: "B", UnrealizedPL: -200},
		{Symbol: "C", UnrealizedPL: 10},
	}
	toLiquidate := g.SelectOvernightLiquidations(positions)
	assert.Len(t, toLiquidate, 2)
	assert.Equal(t, "B", toLiquidate[0].Symbol)
}

func TestAgingPositions(t *testing.T) {
	g := New(config.Guard{MaxOvernightDays: 3})
	now := time.Now()
	g.openedAt["OLD"] = now.Add(-4 * 24 * time.Hour)
	g.openedAt["NEW"] = now.Add(-1 * 24 * time.Hour)

	aged := g.AgingPositions(now)
	assert.Equal(t, []string{"OLD"}, aged)
}
