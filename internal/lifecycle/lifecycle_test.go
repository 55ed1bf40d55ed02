package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/gateway"
)

func TestProtectiveOrdersFor_LongWantsSellStop(t *testing.T) {
	pos := gateway.Position{Symbol: "AAPL", Qty: 10}
	orders := []gateway.Order{
		{Symbol: "AAPL", Side: gateway.SideSell, Type: gateway.TypeStop},
		{Symbol: "AAPL", Side: gateway.SideBuy, Type: gateway.TypeLimit},
	}
	got := protectiveOrdersFor(pos, orders)
	assert.Len(t, got, 1)
	assert.Equal(t, gateway.SideSell, got[0].Side)
}

func TestProtectiveOrdersFor_ShortWantsBuyStop(t *testing.T) {
	pos := gateway.Position{Symbol: "AAPL", Qty: -10}
	orders := []gateway.Order{
		{Symbol: "AAPL", Side: gateway.SideBuy, Type: gateway.TypeStop},
	}
	got := protectiveOrdersFor(pos, orders)
	assert.Len(t, got, 1)
}

func TestAbsF(t *testing.T) {
	assert.Equal(t, 5.0, absF(-5))
	assert.Equal(t, 5.0, absF(5))
}
