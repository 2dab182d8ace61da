package domain

import (
	"time"

	"github.com/shopspring/decimal"

	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

var secondsPerYear = decimal.NewFromInt(365 * 24 * 3600)

// RateCurve 拐点式分段线性利率曲线：拐点以下低斜率，拐点以上陡斜率，
// 抑制借贷池被借空。参数来自市场风险档案。
type RateCurve struct {
	OptimalUtilization decimal.Decimal
	OptimalRate        decimal.Decimal
	MaxRate            decimal.Decimal
}

func CurveFor(market *registrydomain.Market) RateCurve {
	return RateCurve{
		OptimalUtilization: market.Params.OptimalUtilization,
		OptimalRate:        market.Params.OptimalRate,
		MaxRate:            market.Params.MaxRate,
	}
}

// Utilization 借贷池利用率 = total_borrowed / total_supplied。
// 无存款无借款为 0；有借款无存款视为满载。
func Utilization(totalBorrowed, totalSupplied decimal.Decimal) decimal.Decimal {
	if totalSupplied.IsZero() {
		if totalBorrowed.IsZero() {
			return decimal.Zero
		}
		return one
	}
	u := totalBorrowed.Div(totalSupplied)
	if u.GreaterThan(one) {
		return one
	}
	return u
}

// AnnualRate 利用率对应的年化借款利率
func (c RateCurve) AnnualRate(utilization decimal.Decimal) decimal.Decimal {
	if utilization.LessThanOrEqual(c.OptimalUtilization) {
		return c.OptimalRate.Mul(utilization).Div(c.OptimalUtilization)
	}
	excess := utilization.Sub(c.OptimalUtilization)
	span := one.Sub(c.OptimalUtilization)
	return c.OptimalRate.Add(c.MaxRate.Sub(c.OptimalRate).Mul(excess).Div(span))
}

// GrowthFactor 按秒离散复利：(1 + rate/secondsPerYear)^Δt。
// 整数次幂精确计算，因此任意切分计息区间结果一致，Δt 为 0 时因子为 1。
func GrowthFactor(annualRate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 || annualRate.IsZero() {
		return one
	}
	perSecond := one.Add(annualRate.Div(secondsPerYear))
	return perSecond.Pow(decimal.NewFromInt(seconds))
}

// Accrue 将仓位借款余额滚动到 now，并同步市场借款总量与计息时间戳。
// 同一时刻重复调用是无操作。返回本次新增利息合计。
func Accrue(position *Position, market *registrydomain.Market, now time.Time) (decimal.Decimal, error) {
	elapsed := now.Sub(position.LastAccrualAt)
	if elapsed < time.Second {
		return decimal.Zero, nil
	}

	utilization := Utilization(market.TotalBorrowed, market.TotalSupplied)
	rate := CurveFor(market).AnnualRate(utilization)
	factor := GrowthFactor(rate, elapsed)

	total := decimal.Zero
	for asset := range position.Borrowed {
		interest, err := position.ScaleBorrow(asset, factor)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(interest)
	}

	if total.IsPositive() {
		market.TotalBorrowed = market.TotalBorrowed.Add(total)
	}
	position.LastAccrualAt = position.LastAccrualAt.Add(time.Duration(int64(elapsed/time.Second)) * time.Second)
	position.UpdatedAt = now
	return total, nil
}
