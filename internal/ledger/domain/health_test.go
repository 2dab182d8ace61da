package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

func testMarket(t *testing.T) *registrydomain.Market {
	t.Helper()
	m, err := registrydomain.NewMarket("BTC-USDC", "BTC", "USDC", registrydomain.RiskParams{
		AssetWeight:        decimal.RequireFromString("0.8"),
		LiabilityWeight:    decimal.RequireFromString("1.2"),
		DiscountFactor:     decimal.RequireFromString("0.9"),
		MaxLeverage:        decimal.NewFromInt(5),
		BorrowCap:          decimal.NewFromInt(1000000),
		OpenInterestCap:    decimal.NewFromInt(500000),
		OptimalUtilization: decimal.RequireFromString("0.8"),
		OptimalRate:        decimal.RequireFromString("0.1"),
		MaxRate:            decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	return m
}

func usdPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(50000),
		"USDC": decimal.NewFromInt(1),
	}
}

func TestComputeHealthWeighted(t *testing.T) {
	market := testMarket(t)
	position := NewPosition("alice", market.ID, time.Now())
	// 抵押价值 1000，负债价值 500
	require.NoError(t, position.AddCollateral("USDC", decimal.NewFromInt(1000)))
	require.NoError(t, position.AddBorrow("USDC", decimal.NewFromInt(500)))

	snapshot, err := ComputeHealth(position, market, usdPrices())
	require.NoError(t, err)
	// 1000*0.8 = 800 对 500*1.2 = 600
	require.True(t, snapshot.WeightedCollateral.Equal(decimal.NewFromInt(800)))
	require.True(t, snapshot.WeightedLiability.Equal(decimal.NewFromInt(600)))
	require.True(t, snapshot.IsHealthy())

	// 再借 300 后 800*1.2 = 960 > 800
	require.NoError(t, position.AddBorrow("USDC", decimal.NewFromInt(300)))
	snapshot, err = ComputeHealth(position, market, usdPrices())
	require.NoError(t, err)
	require.True(t, snapshot.WeightedLiability.Equal(decimal.NewFromInt(960)))
	require.False(t, snapshot.IsHealthy())
}

func TestComputeHealthNoLiabilities(t *testing.T) {
	market := testMarket(t)
	position := NewPosition("alice", market.ID, time.Now())
	require.NoError(t, position.AddCollateral("BTC", decimal.NewFromInt(1)))

	snapshot, err := ComputeHealth(position, market, usdPrices())
	require.NoError(t, err)
	require.True(t, snapshot.NoLiabilities)
	require.True(t, snapshot.IsHealthy())
}

func TestComputeHealthMissingPrice(t *testing.T) {
	market := testMarket(t)
	position := NewPosition("alice", market.ID, time.Now())
	require.NoError(t, position.AddCollateral("BTC", decimal.NewFromInt(1)))

	_, err := ComputeHealth(position, market, map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrMissingPrice)
}

func TestExceedsLeverage(t *testing.T) {
	market := testMarket(t)
	position := NewPosition("alice", market.ID, time.Now())
	require.NoError(t, position.AddCollateral("USDC", decimal.NewFromInt(100)))
	require.NoError(t, position.AddBorrow("USDC", decimal.NewFromInt(501)))

	snapshot, err := ComputeHealth(position, market, usdPrices())
	require.NoError(t, err)
	// 负债 501 > 100 * 5
	require.True(t, snapshot.ExceedsLeverage(market.Params.MaxLeverage))

	_, err = position.ReduceBorrow("USDC", decimal.NewFromInt(1))
	require.NoError(t, err)
	snapshot, err = ComputeHealth(position, market, usdPrices())
	require.NoError(t, err)
	require.False(t, snapshot.ExceedsLeverage(market.Params.MaxLeverage))
}
