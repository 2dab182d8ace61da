// Package application 清算引擎：对不健康仓位执行折价没收，
// 资格在事务内用新鲜价格重新验证，绝不信任陈旧标记。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
	"github.com/wyfcoding/spotmargin/internal/liquidation/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	"github.com/wyfcoding/spotmargin/pkg/metrics"
)

// EventPublisher 清算事件发布端口
type EventPublisher interface {
	SendMessage(ctx context.Context, topic, key string, value any) error
}

// Result 单次清算步骤回执
type Result struct {
	Repaid      decimal.Decimal `json:"repaid"`
	Seized      decimal.Decimal `json:"seized"`
	SeizedValue decimal.Decimal `json:"seized_value"`
	BadDebt     decimal.Decimal `json:"bad_debt"`
	RatioBefore decimal.Decimal `json:"ratio_before"`
	RatioAfter  decimal.Decimal `json:"ratio_after"`
	Closed      bool            `json:"closed"`
}

// Engine 清算应用服务
type Engine struct {
	uow          ledgerdomain.UnitOfWork
	oracle       *oracledomain.Oracle
	maxStaleness time.Duration
	publisher    EventPublisher
	riskTopic    string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewEngine(
	uow ledgerdomain.UnitOfWork,
	oracle *oracledomain.Oracle,
	maxStaleness time.Duration,
	publisher EventPublisher,
	riskTopic string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		uow:          uow,
		oracle:       oracle,
		maxStaleness: maxStaleness,
		publisher:    publisher,
		riskTopic:    riskTopic,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock 覆盖时钟，用于确定性测试
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Liquidate 对 (owner, market) 仓位执行一次清算步骤。
// 清算人代偿至多 requestedRepay 的计价借款，折价换走 seizeAsset 抵押。
// 部分清算合法；抵押耗尽仍有残债时记入市场坏账并关闭仓位。
func (e *Engine) Liquidate(
	ctx context.Context,
	liquidator, owner, marketID, seizeAsset string,
	requestedRepay decimal.Decimal,
) (Result, error) {
	if !requestedRepay.IsPositive() {
		return Result{}, ledgerdomain.ErrInvalidAmount
	}

	var result Result
	err := e.uow.Do(ctx, func(positions ledgerdomain.PositionRepository, markets registrydomain.MarketRepository) error {
		position, err := positions.FindForUpdate(ctx, owner, marketID)
		if err != nil {
			return err
		}
		market, err := markets.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.AllowedCollateral(seizeAsset) {
			return ledgerdomain.ErrAssetNotAllowed
		}

		interest, err := ledgerdomain.Accrue(position, market, e.now())
		if err != nil {
			return err
		}
		if interest.IsPositive() {
			e.metrics.InterestAccrued.WithLabelValues(marketID).Add(toFloat(interest))
		}

		prices, err := e.prices(ctx, market)
		if err != nil {
			return err
		}
		before, err := ledgerdomain.ComputeHealth(position, market, prices)
		if err != nil {
			return err
		}
		// 资格以当下价格为准，过期的 ELIGIBLE 标记不作数
		if before.IsHealthy() {
			return domain.ErrNotEligible
		}
		position.FlagEligible(market.Params.DiscountFactor, e.now())
		position.LiqState.Stage = ledgerdomain.StageInLiquidation

		plan, err := domain.BuildPlan(position, market.QuoteAsset, seizeAsset, requestedRepay, prices, market.Params.DiscountFactor)
		if err != nil {
			return err
		}

		if _, err := position.ReduceBorrow(market.QuoteAsset, plan.Repay); err != nil {
			return err
		}
		market.TotalBorrowed = market.TotalBorrowed.Sub(plan.Repay)
		if market.TotalBorrowed.IsNegative() {
			market.TotalBorrowed = decimal.Zero
		}
		if err := position.RemoveCollateral(seizeAsset, plan.Seize); err != nil {
			return err
		}
		if seizeAsset == market.QuoteAsset {
			market.TotalSupplied = market.TotalSupplied.Sub(plan.Seize)
			if market.TotalSupplied.IsNegative() {
				market.TotalSupplied = decimal.Zero
			}
		}
		if position.LiqState != nil {
			position.LiqState.SeizedValue = position.LiqState.SeizedValue.Add(plan.SeizeValue)
		}

		// 残债社会化：抵押耗尽后剩余借款转为市场坏账
		badDebt := decimal.Zero
		if position.HasLiabilities() && !domain.RemainingCollateralValue(position, prices).IsPositive() {
			remaining := position.BorrowedOf(market.QuoteAsset)
			badDebt = remaining.Mul(prices[market.QuoteAsset])
			if _, err := position.ReduceBorrow(market.QuoteAsset, remaining); err != nil {
				return err
			}
			market.TotalBorrowed = market.TotalBorrowed.Sub(remaining)
			if market.TotalBorrowed.IsNegative() {
				market.TotalBorrowed = decimal.Zero
			}
			market.RecordBadDebt(badDebt)
			e.metrics.BadDebt.WithLabelValues(marketID).Set(toFloat(market.TotalBadDebt))
			e.publish(ctx, owner, map[string]any{
				"type":      "margin.baddebt.recorded",
				"owner":     owner,
				"market_id": marketID,
				"amount":    badDebt.String(),
				"at":        e.now().UTC(),
			})
		}

		after, err := ledgerdomain.ComputeHealth(position, market, prices)
		if err != nil {
			return err
		}
		// 单步清算必须单调改善健康
		if !after.NoLiabilities && after.Ratio.LessThan(before.Ratio) {
			return domain.ErrWorsensHealth
		}
		if after.IsHealthy() {
			position.ClearLiquidation(e.now())
		}

		position.UpdatedAt = e.now()
		closed := position.IsEmpty()
		if closed {
			if err := positions.Delete(ctx, owner, marketID); err != nil {
				return err
			}
		} else if err := positions.Save(ctx, position); err != nil {
			return err
		}
		if err := markets.Save(ctx, market); err != nil {
			return err
		}

		result = Result{
			Repaid:      plan.Repay,
			Seized:      plan.Seize,
			SeizedValue: plan.SeizeValue,
			BadDebt:     badDebt,
			RatioBefore: before.Ratio,
			RatioAfter:  after.Ratio,
			Closed:      closed,
		}
		e.publish(ctx, owner, map[string]any{
			"type":         "margin.liquidation.executed",
			"liquidator":   liquidator,
			"owner":        owner,
			"market_id":    marketID,
			"repaid":       plan.Repay.String(),
			"seized":       plan.Seize.String(),
			"seized_value": plan.SeizeValue.String(),
			"at":           e.now().UTC(),
		})
		return nil
	})

	outcome := "executed"
	if err != nil {
		outcome = "rejected"
	}
	e.metrics.LiquidationsTotal.WithLabelValues(marketID, outcome).Inc()
	if err != nil {
		return Result{}, fmt.Errorf("liquidate %s/%s: %w", owner, marketID, err)
	}
	e.metrics.SeizedValueTotal.WithLabelValues(marketID).Add(toFloat(result.SeizedValue))
	e.logger.InfoContext(ctx, "liquidation executed",
		"liquidator", liquidator, "owner", owner, "market_id", marketID,
		"repaid", result.Repaid.String(), "seized", result.Seized.String(),
		"bad_debt", result.BadDebt.String(), "closed", result.Closed)
	return result, nil
}

func (e *Engine) prices(ctx context.Context, market *registrydomain.Market) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, 2)
	for _, asset := range []string{market.BaseAsset, market.QuoteAsset} {
		data, err := e.oracle.CurrentPrice(ctx, asset, e.maxStaleness)
		if err != nil {
			return nil, err
		}
		prices[asset] = data.Price
	}
	return prices, nil
}

func (e *Engine) publish(ctx context.Context, key string, event map[string]any) {
	event["event_id"] = uuid.NewString()
	if err := e.publisher.SendMessage(ctx, e.riskTopic, key, event); err != nil {
		e.logger.ErrorContext(ctx, "publish liquidation event failed", "error", err, "key", key)
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
