// Package application 保证金账本操作：每个指令为一个原子单元，
// 先计息，再执行自身效果，最后做健康检查，任一步失败整体回滚。
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/spotmargin/internal/ledger/domain"
	oracledomain "github.com/wyfcoding/spotmargin/internal/oracle/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	"github.com/wyfcoding/spotmargin/pkg/metrics"
)

// LedgerService 保证金账本应用服务
type LedgerService struct {
	uow          domain.UnitOfWork
	oracle       *oracledomain.Oracle
	maxStaleness time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewLedgerService(
	uow domain.UnitOfWork,
	oracle *oracledomain.Oracle,
	maxStaleness time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		uow:          uow,
		oracle:       oracle,
		maxStaleness: maxStaleness,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock 覆盖时钟，用于确定性测试
func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

// Prices 在本操作单元内读取市场两侧资产的新鲜价格，陈旧或缺失即拒绝
func (s *LedgerService) Prices(ctx context.Context, market *registrydomain.Market) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, 2)
	for _, asset := range []string{market.BaseAsset, market.QuoteAsset} {
		data, err := s.oracle.CurrentPrice(ctx, asset, s.maxStaleness)
		if err != nil {
			s.metrics.OracleFailures.WithLabelValues(oracleFailureReason(err)).Inc()
			return nil, err
		}
		prices[asset] = data.Price
	}
	return prices, nil
}

func oracleFailureReason(err error) string {
	if errors.Is(err, oracledomain.ErrStalePrice) {
		return "stale"
	}
	return "unavailable"
}

// InitAccount 在市场中为 owner 创建空仓位
func (s *LedgerService) InitAccount(ctx context.Context, owner, marketID string) (*domain.Position, error) {
	var position *domain.Position
	err := s.uow.Do(ctx, func(positions domain.PositionRepository, markets registrydomain.MarketRepository) error {
		if _, err := markets.FindByID(ctx, marketID); err != nil {
			return err
		}
		position = domain.NewPosition(owner, marketID, s.now())
		return positions.Create(ctx, position)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "margin account initialized", "owner", owner, "market_id", marketID)
	return position, nil
}

// Deposit 存入抵押。只会改善健康，不做健康拒绝；
// 若存入后仍不健康（利息或价格所致），顺带标记清算资格。
func (s *LedgerService) Deposit(ctx context.Context, owner, marketID, asset string, amount decimal.Decimal) error {
	err := s.mutate(ctx, "deposit", owner, marketID, func(position *domain.Position, market *registrydomain.Market) error {
		if market.Status == registrydomain.MarketStatusDelisted {
			return domain.ErrMarketInactive
		}
		if !market.AllowedCollateral(asset) {
			return domain.ErrAssetNotAllowed
		}
		if err := position.AddCollateral(asset, amount); err != nil {
			return err
		}
		if asset == market.QuoteAsset {
			market.TotalSupplied = market.TotalSupplied.Add(amount)
		}
		return nil
	}, healthObserve)
	return err
}

// Withdraw 取出抵押，取出后健康率低于 1 返回 ErrAccountUnhealthy
func (s *LedgerService) Withdraw(ctx context.Context, owner, marketID, asset string, amount decimal.Decimal) error {
	return s.mutate(ctx, "withdraw", owner, marketID, func(position *domain.Position, market *registrydomain.Market) error {
		if asset == market.BaseAsset {
			// 未结卖单成交时要从基础抵押扣量，占用部分不可取出
			free := position.CollateralOf(asset).Sub(position.OpenOrderBase())
			if free.LessThan(amount) {
				return domain.ErrInsufficientCollateral
			}
		}
		if err := position.RemoveCollateral(asset, amount); err != nil {
			return err
		}
		if asset == market.QuoteAsset {
			market.TotalSupplied = market.TotalSupplied.Sub(amount)
			if market.TotalSupplied.IsNegative() {
				market.TotalSupplied = decimal.Zero
			}
		}
		return nil
	}, healthEnforce)
}

// Borrow 借入计价资产。依次校验市场借款上限、杠杆上限与健康率。
func (s *LedgerService) Borrow(ctx context.Context, owner, marketID, asset string, amount decimal.Decimal) error {
	return s.mutate(ctx, "borrow", owner, marketID, func(position *domain.Position, market *registrydomain.Market) error {
		if !market.AcceptsBorrows() {
			return domain.ErrMarketInactive
		}
		if asset != market.QuoteAsset {
			return domain.ErrAssetNotAllowed
		}
		if market.TotalBorrowed.Add(amount).GreaterThan(market.Params.BorrowCap) {
			return domain.ErrExceedsBorrowCap
		}
		if err := position.AddBorrow(asset, amount); err != nil {
			return err
		}
		market.TotalBorrowed = market.TotalBorrowed.Add(amount)
		return nil
	}, healthEnforceWithLeverage)
}

// Repay 偿还借款，超额部分截断到当前负债。不会因健康失败。
func (s *LedgerService) Repay(ctx context.Context, owner, marketID, asset string, amount decimal.Decimal) error {
	return s.mutate(ctx, "repay", owner, marketID, func(position *domain.Position, market *registrydomain.Market) error {
		repaid, err := position.ReduceBorrow(asset, amount)
		if err != nil {
			return err
		}
		market.TotalBorrowed = market.TotalBorrowed.Sub(repaid)
		if market.TotalBorrowed.IsNegative() {
			market.TotalBorrowed = decimal.Zero
		}
		return nil
	}, healthObserve)
}

// Health 查询仓位健康快照（先计息后估值，但不落库）
func (s *LedgerService) Health(ctx context.Context, owner, marketID string) (domain.HealthSnapshot, error) {
	var snapshot domain.HealthSnapshot
	err := s.uow.Do(ctx, func(positions domain.PositionRepository, markets registrydomain.MarketRepository) error {
		position, err := positions.Find(ctx, owner, marketID)
		if err != nil {
			return err
		}
		market, err := markets.FindByID(ctx, marketID)
		if err != nil {
			return err
		}
		if _, err := domain.Accrue(position, market, s.now()); err != nil {
			return err
		}
		prices, err := s.Prices(ctx, market)
		if err != nil {
			return err
		}
		snapshot, err = domain.ComputeHealth(position, market, prices)
		return err
	})
	return snapshot, err
}

// healthMode 健康检查语义：enforce 拒绝不健康的结果状态，observe 仅做清算标记
type healthMode int

const (
	healthObserve healthMode = iota
	healthEnforce
	healthEnforceWithLeverage
)

// mutate 原子执行一次账本操作：行锁载入仓位与市场，计息，应用 effect，
// 再按 mode 做健康检查，最后统一落库。
func (s *LedgerService) mutate(
	ctx context.Context,
	op, owner, marketID string,
	effect func(position *domain.Position, market *registrydomain.Market) error,
	mode healthMode,
) error {
	err := s.uow.Do(ctx, func(positions domain.PositionRepository, markets registrydomain.MarketRepository) error {
		position, err := positions.FindForUpdate(ctx, owner, marketID)
		if err != nil {
			return err
		}
		market, err := markets.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}

		interest, err := domain.Accrue(position, market, s.now())
		if err != nil {
			return err
		}
		if interest.IsPositive() {
			s.metrics.InterestAccrued.WithLabelValues(marketID).Add(interestFloat(interest))
		}

		if err := effect(position, market); err != nil {
			return err
		}

		prices, err := s.Prices(ctx, market)
		if err != nil {
			return err
		}
		snapshot, err := domain.ComputeHealth(position, market, prices)
		if err != nil {
			return err
		}

		switch mode {
		case healthEnforce, healthEnforceWithLeverage:
			if !snapshot.IsHealthy() {
				s.metrics.UnhealthyRejections.Inc()
				return domain.ErrAccountUnhealthy
			}
			if mode == healthEnforceWithLeverage && snapshot.ExceedsLeverage(market.Params.MaxLeverage) {
				return domain.ErrExceedsLeverageCap
			}
			position.ClearLiquidation(s.now())
		case healthObserve:
			if snapshot.IsHealthy() {
				if position.LiqState != nil {
					position.ClearLiquidation(s.now())
				}
			} else {
				position.FlagEligible(market.Params.DiscountFactor, s.now())
			}
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

		s.metrics.TotalBorrowed.WithLabelValues(marketID).Set(interestFloat(market.TotalBorrowed))
		return nil
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.LedgerOpsTotal.WithLabelValues(op, result).Inc()
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", op, owner, marketID, err)
	}
	s.logger.InfoContext(ctx, "ledger operation applied", "operation", op, "owner", owner, "market_id", marketID)
	return nil
}

func interestFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
