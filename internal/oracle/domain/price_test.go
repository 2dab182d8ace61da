package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	data PriceData
	err  error
}

func (s stubSource) Price(ctx context.Context, asset string) (PriceData, error) {
	return s.data, s.err
}

func testOracle(data PriceData, err error, now time.Time) *Oracle {
	return NewOracleAt(
		stubSource{data: data, err: err},
		GuardRails{MaxConfidenceRatio: decimal.RequireFromString("0.02")},
		func() time.Time { return now },
	)
}

func TestCurrentPriceFresh(t *testing.T) {
	now := time.Now()
	o := testOracle(PriceData{
		Asset:       "BTC",
		Price:       decimal.NewFromInt(50000),
		Confidence:  decimal.NewFromInt(10),
		PublishedAt: now.Add(-5 * time.Second),
	}, nil, now)

	data, err := o.CurrentPrice(context.Background(), "BTC", 30*time.Second)
	require.NoError(t, err)
	require.True(t, data.Price.Equal(decimal.NewFromInt(50000)))
}

func TestCurrentPriceStale(t *testing.T) {
	now := time.Now()
	o := testOracle(PriceData{
		Asset:       "BTC",
		Price:       decimal.NewFromInt(50000),
		PublishedAt: now.Add(-31 * time.Second),
	}, nil, now)

	_, err := o.CurrentPrice(context.Background(), "BTC", 30*time.Second)
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestCurrentPriceSourceError(t *testing.T) {
	now := time.Now()
	o := testOracle(PriceData{}, errors.New("connection refused"), now)

	_, err := o.CurrentPrice(context.Background(), "BTC", 30*time.Second)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestCurrentPriceNonPositive(t *testing.T) {
	now := time.Now()
	o := testOracle(PriceData{
		Asset:       "BTC",
		Price:       decimal.Zero,
		PublishedAt: now,
	}, nil, now)

	_, err := o.CurrentPrice(context.Background(), "BTC", 30*time.Second)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestCurrentPriceWideConfidence(t *testing.T) {
	now := time.Now()
	// 置信区间 5% 超过 2% 上限
	o := testOracle(PriceData{
		Asset:       "BTC",
		Price:       decimal.NewFromInt(50000),
		Confidence:  decimal.NewFromInt(2500),
		PublishedAt: now,
	}, nil, now)

	_, err := o.CurrentPrice(context.Background(), "BTC", 30*time.Second)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}
