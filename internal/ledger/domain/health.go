package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

var ErrMissingPrice = errors.New("missing price for asset")

var one = decimal.NewFromInt(1)

// HealthSnapshot 仓位健康快照，派生数据，不落库。
// 加权抵押价值 = Σ collateral_i * price_i * asset_weight；
// 加权负债价值 = Σ borrowed_j * price_j * liability_weight。
type HealthSnapshot struct {
	WeightedCollateral decimal.Decimal `json:"weighted_collateral"`
	WeightedLiability  decimal.Decimal `json:"weighted_liability"`
	// 无负债时比率视为 +∞，以 NoLiabilities 标记
	Ratio         decimal.Decimal `json:"ratio"`
	NoLiabilities bool            `json:"no_liabilities"`

	// 未加权价值，用于杠杆上限判断
	CollateralValue decimal.Decimal `json:"collateral_value"`
	LiabilityValue  decimal.Decimal `json:"liability_value"`
}

// IsHealthy 健康率 >= 1 即有偿付能力
func (s HealthSnapshot) IsHealthy() bool {
	return s.NoLiabilities || s.Ratio.GreaterThanOrEqual(one)
}

// ExceedsLeverage 未加权负债价值是否超过 maxLeverage 倍抵押价值
func (s HealthSnapshot) ExceedsLeverage(maxLeverage decimal.Decimal) bool {
	return s.LiabilityValue.GreaterThan(s.CollateralValue.Mul(maxLeverage))
}

// ComputeHealth 纯函数：按市场权重对仓位估值。
// prices 必须覆盖每个非零余额的资产；缺价报错而非默认放行，
// 缺失数据下不允许判定账户健康。
func ComputeHealth(position *Position, market *registrydomain.Market, prices map[string]decimal.Decimal) (HealthSnapshot, error) {
	snapshot := HealthSnapshot{
		WeightedCollateral: decimal.Zero,
		WeightedLiability:  decimal.Zero,
		CollateralValue:    decimal.Zero,
		LiabilityValue:     decimal.Zero,
	}

	for asset, amount := range position.Collateral {
		if !amount.IsPositive() {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			return HealthSnapshot{}, fmt.Errorf("%w: %s", ErrMissingPrice, asset)
		}
		value := amount.Mul(price)
		snapshot.CollateralValue = snapshot.CollateralValue.Add(value)
		snapshot.WeightedCollateral = snapshot.WeightedCollateral.Add(value.Mul(market.Params.AssetWeight))
	}

	for asset, amount := range position.Borrowed {
		if !amount.IsPositive() {
			continue
		}
		price, ok := prices[asset]
		if !ok {
			return HealthSnapshot{}, fmt.Errorf("%w: %s", ErrMissingPrice, asset)
		}
		value := amount.Mul(price)
		snapshot.LiabilityValue = snapshot.LiabilityValue.Add(value)
		snapshot.WeightedLiability = snapshot.WeightedLiability.Add(value.Mul(market.Params.LiabilityWeight))
	}

	if snapshot.WeightedLiability.IsZero() {
		snapshot.NoLiabilities = true
		return snapshot, nil
	}

	snapshot.Ratio = snapshot.WeightedCollateral.Div(snapshot.WeightedLiability)
	return snapshot, nil
}
