package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCollateralRoundTrip(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())

	require.ErrorIs(t, p.AddCollateral("USDC", decimal.Zero), ErrInvalidAmount)
	require.NoError(t, p.AddCollateral("USDC", decimal.NewFromInt(100)))
	require.ErrorIs(t, p.RemoveCollateral("USDC", decimal.NewFromInt(101)), ErrInsufficientCollateral)
	require.NoError(t, p.RemoveCollateral("USDC", decimal.NewFromInt(100)))

	// 清零后余额键被移除
	_, ok := p.Collateral["USDC"]
	require.False(t, ok)
	require.True(t, p.IsEmpty())
}

func TestAddCollateralOverflow(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	require.NoError(t, p.AddCollateral("USDC", maxBalance))
	require.ErrorIs(t, p.AddCollateral("USDC", decimal.NewFromInt(1)), ErrMathOverflow)
}

func TestReduceBorrowClamps(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	require.NoError(t, p.AddBorrow("USDC", decimal.NewFromInt(100)))

	repaid, err := p.ReduceBorrow("USDC", decimal.NewFromInt(250))
	require.NoError(t, err)
	require.True(t, repaid.Equal(decimal.NewFromInt(100)))
	require.False(t, p.HasLiabilities())

	repaid, err = p.ReduceBorrow("USDC", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.True(t, repaid.IsZero())
}

func TestRepayToZeroClearsLiquidationState(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	require.NoError(t, p.AddBorrow("USDC", decimal.NewFromInt(100)))
	p.FlagEligible(decimal.RequireFromString("0.9"), time.Now())
	require.NotNil(t, p.LiqState)

	_, err := p.ReduceBorrow("USDC", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Nil(t, p.LiqState)
}

func TestFlagEligibleIsSticky(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	first := time.Now().Add(-time.Minute)
	p.FlagEligible(decimal.RequireFromString("0.9"), first)
	p.FlagEligible(decimal.RequireFromString("0.5"), time.Now())

	require.Equal(t, StageEligible, p.LiqState.Stage)
	require.Equal(t, first, p.LiqState.EligibleAt)
	require.True(t, p.LiqState.DiscountFactor.Equal(decimal.RequireFromString("0.9")))
}

func TestClearLiquidationStampsGivenTime(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	p.FlagEligible(decimal.RequireFromString("0.9"), time.Now())

	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	p.ClearLiquidation(at)
	require.Nil(t, p.LiqState)
	require.True(t, p.UpdatedAt.Equal(at))
}

func TestOrderLifecycle(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	p.AddOrder(OrderRef{OrderID: "o1", Side: SideBuy, Size: decimal.NewFromInt(2), Remaining: decimal.NewFromInt(2)})
	p.AddOrder(OrderRef{OrderID: "o2", Side: SideSell, Size: decimal.NewFromInt(1), Remaining: decimal.NewFromInt(1)})

	// 只有卖单占用基础资产
	require.True(t, p.OpenOrderBase().Equal(decimal.NewFromInt(1)))
	require.False(t, p.IsEmpty())

	ref, ok := p.FindOrder("o1")
	require.True(t, ok)
	require.Equal(t, SideBuy, ref.Side)

	p.SettleOrder("o1", decimal.NewFromInt(1))
	ref, ok = p.FindOrder("o1")
	require.True(t, ok)
	require.True(t, ref.Remaining.Equal(decimal.NewFromInt(1)))

	p.SettleOrder("o1", decimal.Zero)
	_, ok = p.FindOrder("o1")
	require.False(t, ok)
	require.Len(t, p.OpenOrders, 1)
}

func TestCloneIsIndependent(t *testing.T) {
	p := NewPosition("alice", "BTC-USDC", time.Now())
	require.NoError(t, p.AddCollateral("BTC", decimal.NewFromInt(1)))
	require.NoError(t, p.AddBorrow("USDC", decimal.NewFromInt(100)))

	clone := p.Clone()
	require.NoError(t, clone.AddBorrow("USDC", decimal.NewFromInt(900)))
	require.NoError(t, clone.RemoveCollateral("BTC", decimal.NewFromInt(1)))

	require.True(t, p.BorrowedOf("USDC").Equal(decimal.NewFromInt(100)))
	require.True(t, p.CollateralOf("BTC").Equal(decimal.NewFromInt(1)))
}
