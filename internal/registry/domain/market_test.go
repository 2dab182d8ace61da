package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func validParams() RiskParams {
	return RiskParams{
		AssetWeight:        decimal.RequireFromString("0.8"),
		LiabilityWeight:    decimal.RequireFromString("1.2"),
		DiscountFactor:     decimal.RequireFromString("0.9"),
		MaxLeverage:        decimal.NewFromInt(5),
		BorrowCap:          decimal.NewFromInt(1000000),
		OpenInterestCap:    decimal.NewFromInt(500000),
		OptimalUtilization: decimal.RequireFromString("0.8"),
		OptimalRate:        decimal.RequireFromString("0.1"),
		MaxRate:            decimal.RequireFromString("1.5"),
	}
}

func TestRiskParamsValidate(t *testing.T) {
	require.NoError(t, validParams().Validate())

	cases := map[string]func(*RiskParams){
		"zero asset weight":        func(p *RiskParams) { p.AssetWeight = decimal.Zero },
		"asset weight above one":   func(p *RiskParams) { p.AssetWeight = decimal.RequireFromString("1.1") },
		"liability weight below 1": func(p *RiskParams) { p.LiabilityWeight = decimal.RequireFromString("0.9") },
		"zero discount":            func(p *RiskParams) { p.DiscountFactor = decimal.Zero },
		"discount above one":       func(p *RiskParams) { p.DiscountFactor = decimal.RequireFromString("1.01") },
		"zero leverage":            func(p *RiskParams) { p.MaxLeverage = decimal.Zero },
		"negative borrow cap":      func(p *RiskParams) { p.BorrowCap = decimal.NewFromInt(-1) },
		"utilization at one":       func(p *RiskParams) { p.OptimalUtilization = decimal.NewFromInt(1) },
		"max rate below optimal":   func(p *RiskParams) { p.MaxRate = decimal.RequireFromString("0.05") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidParams)
		})
	}
}

func TestNewMarketStartsActive(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)
	require.Equal(t, MarketStatusActive, m.Status)
	require.EqualValues(t, 1, m.Version)
	require.True(t, m.AcceptsOrders())
	require.True(t, m.AcceptsBorrows())
}

func TestApplyParamsBumpsVersion(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)

	p := validParams()
	p.MaxLeverage = decimal.NewFromInt(3)
	require.NoError(t, m.ApplyParams(p))
	require.EqualValues(t, 2, m.Version)
	require.True(t, m.Params.MaxLeverage.Equal(decimal.NewFromInt(3)))
}

func TestApplyParamsRejectsCapBelowUsage(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)
	m.TotalBorrowed = decimal.NewFromInt(5000)

	p := validParams()
	p.BorrowCap = decimal.NewFromInt(4000)
	require.ErrorIs(t, m.ApplyParams(p), ErrInvalidParams)
	require.EqualValues(t, 1, m.Version)
}

func TestSetStatus(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(MarketStatusReduceOnly))
	require.False(t, m.AcceptsOrders())
	require.False(t, m.AcceptsBorrows())
	require.EqualValues(t, 2, m.Version)

	require.ErrorIs(t, m.SetStatus("NONSENSE"), ErrInvalidParams)

	require.NoError(t, m.SetStatus(MarketStatusDelisted))
	// 下架是终态
	require.ErrorIs(t, m.SetStatus(MarketStatusActive), ErrInvalidParams)
}

func TestAllowedCollateral(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)
	require.True(t, m.AllowedCollateral("BTC"))
	require.True(t, m.AllowedCollateral("USDC"))
	require.False(t, m.AllowedCollateral("ETH"))
}

func TestRecordBadDebtAccumulates(t *testing.T) {
	m, err := NewMarket("BTC-USDC", "BTC", "USDC", validParams())
	require.NoError(t, err)
	m.RecordBadDebt(decimal.NewFromInt(100))
	m.RecordBadDebt(decimal.NewFromInt(50))
	require.True(t, m.TotalBadDebt.Equal(decimal.NewFromInt(150)))
}
