// Package domain 清算核算：对不健康仓位的折价没收数学
package domain

import (
	"errors"

	"github.com/shopspring/decimal"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
)

var (
	ErrNotEligible           = errors.New("position not eligible for liquidation")
	ErrNothingToSeize        = errors.New("no seizable collateral in requested asset")
	ErrWorsensHealth         = errors.New("liquidation would not improve health")
	ErrInsufficientLiability = errors.New("position has no outstanding borrow")
)

// Plan 一次清算步骤的核算结果。
// 清算人代偿 Repay 数量的计价资产借款，以 DiscountFactor 的折价
// 换走 Seize 数量的抵押资产，SeizeValue 为其计价价值。
type Plan struct {
	Repay      decimal.Decimal
	RepayValue decimal.Decimal
	Seize      decimal.Decimal
	SeizeValue decimal.Decimal
}

// BuildPlan 计算清算步骤。代偿量钳制到未偿借款，
// 没收量受可用抵押约束，抵押不足时按折价反推实际代偿量。
func BuildPlan(
	position *ledgerdomain.Position,
	quoteAsset, seizeAsset string,
	requestedRepay decimal.Decimal,
	prices map[string]decimal.Decimal,
	discount decimal.Decimal,
) (Plan, error) {
	outstanding := position.BorrowedOf(quoteAsset)
	if !outstanding.IsPositive() {
		return Plan{}, ErrInsufficientLiability
	}
	available := position.CollateralOf(seizeAsset)
	if seizeAsset != quoteAsset {
		// 基础抵押中被未结卖单占用的部分不可没收
		available = available.Sub(position.OpenOrderBase())
	}
	if !available.IsPositive() {
		return Plan{}, ErrNothingToSeize
	}

	repay := decimal.Min(requestedRepay, outstanding)
	quotePrice := prices[quoteAsset]
	seizePrice := prices[seizeAsset]

	repayValue := repay.Mul(quotePrice)
	seizeValue := repayValue.Div(discount)
	seize := seizeValue.Div(seizePrice)

	if seize.GreaterThan(available) {
		seize = available
		seizeValue = seize.Mul(seizePrice)
		repayValue = seizeValue.Mul(discount)
		repay = repayValue.Div(quotePrice)
	}
	return Plan{Repay: repay, RepayValue: repayValue, Seize: seize, SeizeValue: seizeValue}, nil
}

// RemainingCollateralValue 仓位剩余抵押的总计价价值
func RemainingCollateralValue(position *ledgerdomain.Position, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for asset, amount := range position.Collateral {
		if amount.IsPositive() {
			total = total.Add(amount.Mul(prices[asset]))
		}
	}
	return total
}
