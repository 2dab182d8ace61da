package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/spotmargin/internal/ledger/domain"
	"github.com/wyfcoding/spotmargin/internal/ledger/infrastructure/persistence/memory"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	"github.com/wyfcoding/spotmargin/pkg/metrics"
)

type staticSource struct {
	prices      map[string]decimal.Decimal
	publishedAt time.Time
}

func (s staticSource) Price(ctx context.Context, asset string) (oracledomain.PriceData, error) {
	price, ok := s.prices[asset]
	if !ok {
		return oracledomain.PriceData{}, oracledomain.ErrPriceUnavailable
	}
	return oracledomain.PriceData{Asset: asset, Price: price, PublishedAt: s.publishedAt}, nil
}

type fixture struct {
	store   *memory.Store
	service *LedgerService
	now     time.Time
	source  *staticSource
}

func defaultParams() registrydomain.RiskParams {
	return registrydomain.RiskParams{
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

func newFixture(t *testing.T, params registrydomain.RiskParams) *fixture {
	t.Helper()
	now := time.Now()
	store := memory.NewStore()

	market, err := registrydomain.NewMarket("BTC-USDC", "BTC", "USDC", params)
	require.NoError(t, err)
	store.SeedMarket(market)

	source := &staticSource{
		prices: map[string]decimal.Decimal{
			"BTC":  decimal.NewFromInt(50000),
			"USDC": decimal.NewFromInt(1),
		},
		publishedAt: now,
	}
	oracle := oracledomain.NewOracleAt(source, oracledomain.GuardRails{}, func() time.Time { return now })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewLedgerService(store, oracle, 30*time.Second, metrics.New("test"), logger).
		WithClock(func() time.Time { return now })

	return &fixture{store: store, service: service, now: now, source: source}
}

func TestInitAccount(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()

	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)

	_, err = f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.ErrorIs(t, err, domain.ErrPositionAlreadyExists)

	_, err = f.service.InitAccount(ctx, "alice", "ETH-USDC")
	require.ErrorIs(t, err, registrydomain.ErrMarketNotFound)
}

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)

	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))
	require.NoError(t, f.service.Withdraw(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(400)))

	position := f.store.Position("alice", "BTC-USDC")
	require.NotNil(t, position)
	require.True(t, position.CollateralOf("USDC").Equal(decimal.NewFromInt(600)))
	// 计价资产存取同步市场供给总量
	require.True(t, f.store.Market("BTC-USDC").TotalSupplied.Equal(decimal.NewFromInt(600)))

	err = f.service.Withdraw(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(601))
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	err = f.service.Deposit(ctx, "alice", "BTC-USDC", "ETH", decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrAssetNotAllowed)
}

func TestWithdrawAllDeletesPosition(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)

	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(100)))
	require.NoError(t, f.service.Withdraw(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(100)))
	require.Nil(t, f.store.Position("alice", "BTC-USDC"))
}

func TestWithdrawReservedBaseRejected(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()

	position := domain.NewPosition("alice", "BTC-USDC", f.now)
	require.NoError(t, position.AddCollateral("BTC", decimal.NewFromInt(1)))
	position.AddOrder(domain.OrderRef{
		OrderID:    "o1",
		Side:       domain.SideSell,
		Size:       decimal.RequireFromString("0.6"),
		PriceLimit: decimal.NewFromInt(50000),
		Remaining:  decimal.RequireFromString("0.6"),
		PlacedAt:   f.now,
	})
	f.store.SeedPosition(position)

	// 挂卖单占用 0.6，最多可取 0.4
	err := f.service.Withdraw(ctx, "alice", "BTC-USDC", "BTC", decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	require.NoError(t, f.service.Withdraw(ctx, "alice", "BTC-USDC", "BTC", decimal.RequireFromString("0.4")))
	got := f.store.Position("alice", "BTC-USDC")
	require.True(t, got.CollateralOf("BTC").Equal(decimal.RequireFromString("0.6")))
}

func TestMutationsStampInjectedClock(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)

	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))
	got := f.store.Position("alice", "BTC-USDC")
	require.True(t, got.UpdatedAt.Equal(f.now))
}

func TestBorrowAndRepay(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	require.NoError(t, f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(500)))
	market := f.store.Market("BTC-USDC")
	require.True(t, market.TotalBorrowed.Equal(decimal.NewFromInt(500)))

	require.NoError(t, f.service.Repay(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(9999)))
	position := f.store.Position("alice", "BTC-USDC")
	require.False(t, position.HasLiabilities())
	require.True(t, f.store.Market("BTC-USDC").TotalBorrowed.IsZero())
}

func TestBorrowRejectedWhenUnhealthy(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	// 700*1.2 = 840 > 1000*0.8
	err = f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(700))
	require.ErrorIs(t, err, domain.ErrAccountUnhealthy)

	// 回滚后余额与市场总量不变
	position := f.store.Position("alice", "BTC-USDC")
	require.False(t, position.HasLiabilities())
	require.True(t, f.store.Market("BTC-USDC").TotalBorrowed.IsZero())
}

func TestBorrowCap(t *testing.T) {
	params := defaultParams()
	params.BorrowCap = decimal.NewFromInt(100)
	f := newFixture(t, params)
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	err = f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(200))
	require.ErrorIs(t, err, domain.ErrExceedsBorrowCap)
}

func TestBorrowLeverageCap(t *testing.T) {
	params := defaultParams()
	params.AssetWeight = decimal.NewFromInt(1)
	params.LiabilityWeight = decimal.NewFromInt(1)
	params.MaxLeverage = decimal.RequireFromString("0.3")
	f := newFixture(t, params)
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(100)))

	// 健康率 100/50 = 2 合格，但 50 > 0.3*100 超杠杆
	err = f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(50))
	require.ErrorIs(t, err, domain.ErrExceedsLeverageCap)

	require.NoError(t, f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(20)))
}

func TestBorrowOnlyQuoteAsset(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	err = f.service.Borrow(ctx, "alice", "BTC-USDC", "BTC", decimal.RequireFromString("0.001"))
	require.ErrorIs(t, err, domain.ErrAssetNotAllowed)
}

func TestBorrowInactiveMarket(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	market := f.store.Market("BTC-USDC")
	require.NoError(t, market.SetStatus(registrydomain.MarketStatusPaused))
	f.store.SeedMarket(market)

	err = f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrMarketInactive)
}

func TestStalePriceFailsClosed(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))

	f.source.publishedAt = f.now.Add(-time.Hour)
	err = f.service.Withdraw(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(100))
	require.ErrorIs(t, err, oracledomain.ErrStalePrice)

	// 失败即回滚
	position := f.store.Position("alice", "BTC-USDC")
	require.True(t, position.CollateralOf("USDC").Equal(decimal.NewFromInt(1000)))
}

func TestWithdrawRejectedWhenResultUnhealthy(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))
	require.NoError(t, f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(500)))

	// 取出 300 后 700*0.8 = 560 < 600
	err = f.service.Withdraw(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(300))
	require.ErrorIs(t, err, domain.ErrAccountUnhealthy)
	position := f.store.Position("alice", "BTC-USDC")
	require.True(t, position.CollateralOf("USDC").Equal(decimal.NewFromInt(1000)))
}

func TestDepositFlagsAndClearsEligibility(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()

	// 直接预置一个不健康仓位：1000*0.8 = 800 < 800*1.2 = 960
	position := domain.NewPosition("alice", "BTC-USDC", f.now)
	require.NoError(t, position.AddCollateral("USDC", decimal.NewFromInt(1000)))
	require.NoError(t, position.AddBorrow("USDC", decimal.NewFromInt(800)))
	f.store.SeedPosition(position)
	market := f.store.Market("BTC-USDC")
	market.TotalBorrowed = decimal.NewFromInt(800)
	market.TotalSupplied = decimal.NewFromInt(1000)
	f.store.SeedMarket(market)

	// 小额存入不足以恢复健康，只会标记清算资格
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(10)))
	got := f.store.Position("alice", "BTC-USDC")
	require.NotNil(t, got.LiqState)
	require.Equal(t, domain.StageEligible, got.LiqState.Stage)

	// 足额存入恢复健康后清除标记
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(500)))
	got = f.store.Position("alice", "BTC-USDC")
	require.Nil(t, got.LiqState)
}

func TestHealthAccruesBeforeValuation(t *testing.T) {
	f := newFixture(t, defaultParams())
	ctx := context.Background()
	_, err := f.service.InitAccount(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.NoError(t, f.service.Deposit(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(1000)))
	require.NoError(t, f.service.Borrow(ctx, "alice", "BTC-USDC", "USDC", decimal.NewFromInt(500)))

	snapshot, err := f.service.Health(ctx, "alice", "BTC-USDC")
	require.NoError(t, err)
	require.True(t, snapshot.IsHealthy())
	require.True(t, snapshot.Ratio.Equal(decimal.NewFromInt(800).Div(decimal.NewFromInt(600))))
}
