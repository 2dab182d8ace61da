// Package application 保证金下单桥接：下单前做最坏情况健康预演，
// 成交后按实际回执对账本记账。成交永不因风控失败，只会标记清算资格。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	"github.com/wyfcoding/spotmargin/internal/settlement/domain"
	"github.com/wyfcoding/spotmargin/pkg/metrics"
)

// EventPublisher 风险事件发布端口
type EventPublisher interface {
	SendMessage(ctx context.Context, topic, key string, value any) error
}

// OrderResult 下单结果回执
type OrderResult struct {
	OrderID     string          `json:"order_id"`
	FilledBase  decimal.Decimal `json:"filled_base"`
	FilledQuote decimal.Decimal `json:"filled_quote"`
	Remaining   decimal.Decimal `json:"remaining"`
	Healthy     bool            `json:"healthy"`
}

// BridgeService 订单结算桥应用服务
type BridgeService struct {
	uow          ledgerdomain.UnitOfWork
	venue        domain.Venue
	oracle       *oracledomain.Oracle
	maxStaleness time.Duration
	publisher    EventPublisher
	riskTopic    string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewBridgeService(
	uow ledgerdomain.UnitOfWork,
	venue domain.Venue,
	oracle *oracledomain.Oracle,
	maxStaleness time.Duration,
	publisher EventPublisher,
	riskTopic string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BridgeService {
	return &BridgeService{
		uow:          uow,
		venue:        venue,
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
func (s *BridgeService) WithClock(now func() time.Time) *BridgeService {
	s.now = now
	return s
}

// PlaceMarginOrder 下保证金限价单。
// 先在仓位副本上按限价全额成交做最坏情况预演，预演不健康即拒绝，
// 订单不会到达撮合场所；预演通过后提交，再按实际回执记账。
func (s *BridgeService) PlaceMarginOrder(
	ctx context.Context,
	owner, marketID string,
	side ledgerdomain.OrderSide,
	size, priceLimit decimal.Decimal,
) (OrderResult, error) {
	if !size.IsPositive() || !priceLimit.IsPositive() {
		return OrderResult{}, ledgerdomain.ErrInvalidAmount
	}

	var result OrderResult
	err := s.uow.Do(ctx, func(positions ledgerdomain.PositionRepository, markets registrydomain.MarketRepository) error {
		position, err := positions.FindForUpdate(ctx, owner, marketID)
		if err != nil {
			return err
		}
		market, err := markets.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := s.admits(market, position, side); err != nil {
			return err
		}
		if market.Params.OpenInterestCap.IsPositive() &&
			market.OpenInterest.Add(size).GreaterThan(market.Params.OpenInterestCap) {
			return domain.ErrExceedsOpenInterest
		}
		if side == ledgerdomain.SideSell {
			// 已被其他未结卖单占用的基础抵押不可重复占用
			free := position.CollateralOf(market.BaseAsset).Sub(position.OpenOrderBase())
			if free.LessThan(size) {
				return ledgerdomain.ErrInsufficientCollateral
			}
		}

		if _, err := ledgerdomain.Accrue(position, market, s.now()); err != nil {
			return err
		}
		prices, err := s.prices(ctx, market)
		if err != nil {
			return err
		}

		// 最坏情况预演：限价即为最差成交价
		trial := position.Clone()
		trialMarket := *market
		if err := applyFill(trial, &trialMarket, side, size, size.Mul(priceLimit)); err != nil {
			return err
		}
		// 买入的计价缺口是隐式借款，全额成交口径下也不得突破市场借款上限；
		// 挂单部分日后成交产生的借款同样以此为上界
		if trialMarket.TotalBorrowed.GreaterThan(market.Params.BorrowCap) {
			return ledgerdomain.ErrExceedsBorrowCap
		}
		snapshot, err := ledgerdomain.ComputeHealth(trial, market, prices)
		if err != nil {
			return err
		}
		if !snapshot.IsHealthy() {
			s.metrics.UnhealthyRejections.Inc()
			return domain.ErrOrderWouldUnhealthy
		}
		if snapshot.ExceedsLeverage(market.Params.MaxLeverage) {
			return ledgerdomain.ErrExceedsLeverageCap
		}

		fill, err := s.venue.SubmitOrder(ctx, domain.OrderRequest{
			MarketID:   marketID,
			Owner:      owner,
			Side:       string(side),
			Size:       size,
			PriceLimit: priceLimit,
		})
		if err != nil {
			return err
		}

		// 实际成交对账。此后只记账与标记，不再拒绝。
		if fill.FilledBase.IsPositive() {
			if err := applyFill(position, market, side, fill.FilledBase, fill.FilledQuote); err != nil {
				return err
			}
		}
		if fill.Remaining.IsPositive() {
			position.AddOrder(ledgerdomain.OrderRef{
				OrderID:    fill.OrderID,
				Side:       side,
				Size:       size,
				PriceLimit: priceLimit,
				Remaining:  fill.Remaining,
				PlacedAt:   s.now(),
			})
			market.OpenInterest = market.OpenInterest.Add(fill.Remaining)
		}

		if err := s.observeHealth(ctx, position, market, prices); err != nil {
			return err
		}
		position.UpdatedAt = s.now()
		if position.IsEmpty() {
			if err := positions.Delete(ctx, owner, marketID); err != nil {
				return err
			}
		} else if err := positions.Save(ctx, position); err != nil {
			return err
		}
		if err := markets.Save(ctx, market); err != nil {
			return err
		}

		result = OrderResult{
			OrderID:     fill.OrderID,
			FilledBase:  fill.FilledBase,
			FilledQuote: fill.FilledQuote,
			Remaining:   fill.Remaining,
			Healthy:     position.LiqState == nil,
		}
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	s.metrics.MarginOrdersTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		return OrderResult{}, fmt.Errorf("place order %s/%s: %w", owner, marketID, err)
	}
	s.logger.InfoContext(ctx, "margin order placed",
		"owner", owner, "market_id", marketID, "side", side,
		"order_id", result.OrderID, "remaining", result.Remaining.String())
	return result, nil
}

// CancelMarginOrder 撤单并对撤单时刻之前发生的成交补记账
func (s *BridgeService) CancelMarginOrder(ctx context.Context, owner, marketID, orderID string) error {
	err := s.uow.Do(ctx, func(positions ledgerdomain.PositionRepository, markets registrydomain.MarketRepository) error {
		position, err := positions.FindForUpdate(ctx, owner, marketID)
		if err != nil {
			return err
		}
		market, err := markets.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		ref, ok := position.FindOrder(orderID)
		if !ok {
			return ledgerdomain.ErrOrderNotFound
		}

		if _, err := ledgerdomain.Accrue(position, market, s.now()); err != nil {
			return err
		}

		fill, err := s.venue.CancelOrder(ctx, marketID, orderID)
		if err != nil {
			return err
		}
		if fill.FilledBase.IsPositive() {
			if err := applyFill(position, market, ref.Side, fill.FilledBase, fill.FilledQuote); err != nil {
				return err
			}
		}
		position.SettleOrder(orderID, decimal.Zero)
		market.OpenInterest = market.OpenInterest.Sub(ref.Remaining)
		if market.OpenInterest.IsNegative() {
			market.OpenInterest = decimal.Zero
		}

		prices, err := s.prices(ctx, market)
		if err != nil {
			return err
		}
		if err := s.observeHealth(ctx, position, market, prices); err != nil {
			return err
		}
		position.UpdatedAt = s.now()
		if position.IsEmpty() {
			if err := positions.Delete(ctx, owner, marketID); err != nil {
				return err
			}
		} else if err := positions.Save(ctx, position); err != nil {
			return err
		}
		return markets.Save(ctx, market)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", owner, orderID, err)
	}
	s.logger.InfoContext(ctx, "margin order cancelled", "owner", owner, "market_id", marketID, "order_id", orderID)
	return nil
}

// admits 市场状态准入：Active 全放行，ReduceOnly 只放行降低风险敞口的方向
func (s *BridgeService) admits(market *registrydomain.Market, position *ledgerdomain.Position, side ledgerdomain.OrderSide) error {
	switch market.Status {
	case registrydomain.MarketStatusActive:
		return nil
	case registrydomain.MarketStatusReduceOnly:
		// 卖出以基础抵押换计价资产还债，是唯一降敞口方向
		if side == ledgerdomain.SideSell && position.HasLiabilities() {
			return nil
		}
		return ledgerdomain.ErrMarketInactive
	default:
		return ledgerdomain.ErrMarketInactive
	}
}

func (s *BridgeService) prices(ctx context.Context, market *registrydomain.Market) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, 2)
	for _, asset := range []string{market.BaseAsset, market.QuoteAsset} {
		data, err := s.oracle.CurrentPrice(ctx, asset, s.maxStaleness)
		if err != nil {
			return nil, err
		}
		prices[asset] = data.Price
	}
	return prices, nil
}

// observeHealth 成交后健康观察：不健康则标记清算资格并广播风险事件
func (s *BridgeService) observeHealth(
	ctx context.Context,
	position *ledgerdomain.Position,
	market *registrydomain.Market,
	prices map[string]decimal.Decimal,
) error {
	snapshot, err := ledgerdomain.ComputeHealth(position, market, prices)
	if err != nil {
		return err
	}
	if snapshot.IsHealthy() {
		if position.LiqState != nil && position.LiqState.Stage == ledgerdomain.StageEligible {
			position.ClearLiquidation(s.now())
		}
		return nil
	}
	position.FlagEligible(market.Params.DiscountFactor, s.now())
	event := map[string]any{
		"event_id":  uuid.NewString(),
		"type":      "margin.account.unhealthy",
		"owner":     position.Owner,
		"market_id": market.ID,
		"ratio":     snapshot.Ratio.String(),
		"at":        s.now().UTC(),
	}
	if err := s.publisher.SendMessage(ctx, s.riskTopic, position.Owner, event); err != nil {
		// 事件丢失不回滚记账，仓位上的标记才是权威状态
		s.logger.ErrorContext(ctx, "publish risk event failed", "error", err, "owner", position.Owner)
	}
	return nil
}

// applyFill 将一笔成交落到仓位与市场上。
// 买入：基础资产入抵押，成交额先扣计价抵押，不足部分转为借款；
// 卖出：基础抵押出账，所得先还计价借款，剩余入抵押。
func applyFill(
	position *ledgerdomain.Position,
	market *registrydomain.Market,
	side ledgerdomain.OrderSide,
	filledBase, filledQuote decimal.Decimal,
) error {
	quote := market.QuoteAsset
	base := market.BaseAsset
	switch side {
	case ledgerdomain.SideBuy:
		fromCollateral := decimal.Min(filledQuote, position.CollateralOf(quote))
		if fromCollateral.IsPositive() {
			if err := position.RemoveCollateral(quote, fromCollateral); err != nil {
				return err
			}
			market.TotalSupplied = market.TotalSupplied.Sub(fromCollateral)
			if market.TotalSupplied.IsNegative() {
				market.TotalSupplied = decimal.Zero
			}
		}
		borrowed := filledQuote.Sub(fromCollateral)
		if borrowed.IsPositive() {
			if err := position.AddBorrow(quote, borrowed); err != nil {
				return err
			}
			market.TotalBorrowed = market.TotalBorrowed.Add(borrowed)
		}
		return position.AddCollateral(base, filledBase)
	case ledgerdomain.SideSell:
		if err := position.RemoveCollateral(base, filledBase); err != nil {
			return err
		}
		if !filledQuote.IsPositive() {
			return nil
		}
		repaid, err := position.ReduceBorrow(quote, filledQuote)
		if err != nil {
			return err
		}
		if repaid.IsPositive() {
			market.TotalBorrowed = market.TotalBorrowed.Sub(repaid)
			if market.TotalBorrowed.IsNegative() {
				market.TotalBorrowed = decimal.Zero
			}
		}
		rest := filledQuote.Sub(repaid)
		if rest.IsPositive() {
			if err := position.AddCollateral(quote, rest); err != nil {
				return err
			}
			market.TotalSupplied = market.TotalSupplied.Add(rest)
		}
		return nil
	default:
		return ledgerdomain.ErrInvalidAmount
	}
}
