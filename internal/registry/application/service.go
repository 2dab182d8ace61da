package application

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/spotmargin/internal/registry/domain"
)

// MarketStore 仓储加事务入口，参数更新必须在事务内带行锁完成
type MarketStore interface {
	domain.MarketRepository
	Transact(ctx context.Context, fn func(repo domain.MarketRepository) error) error
}

// RegistryService 市场风险参数的管理入口
type RegistryService struct {
	store      MarketStore
	adminToken string
	logger     *slog.Logger
}

func NewRegistryService(store MarketStore, adminToken string, logger *slog.Logger) *RegistryService {
	return &RegistryService{store: store, adminToken: adminToken, logger: logger}
}

func (s *RegistryService) authorize(token string) error {
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

// GetMarket 查询市场档案
func (s *RegistryService) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	return s.store.FindByID(ctx, id)
}

// ListMarkets 查询全部市场
func (s *RegistryService) ListMarkets(ctx context.Context) ([]*domain.Market, error) {
	return s.store.FindAll(ctx)
}

// CreateMarketCmd 创建市场命令
type CreateMarketCmd struct {
	ID         string
	BaseAsset  string
	QuoteAsset string
	Params     domain.RiskParams
}

// CreateMarket 创建新市场（管理操作）
func (s *RegistryService) CreateMarket(ctx context.Context, token string, cmd CreateMarketCmd) (*domain.Market, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}
	if cmd.ID == "" || cmd.BaseAsset == "" || cmd.QuoteAsset == "" || cmd.BaseAsset == cmd.QuoteAsset {
		return nil, domain.ErrInvalidParams
	}

	market, err := domain.NewMarket(cmd.ID, cmd.BaseAsset, cmd.QuoteAsset, cmd.Params)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, market); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	s.logger.InfoContext(ctx, "market created", "market_id", market.ID, "version", market.Version)
	return market, nil
}

// UpdateRiskParams 更新市场风险参数并递增版本（管理操作）。
// 在事务内带行锁重读市场，保证上限不被降到当前占用之下。
func (s *RegistryService) UpdateRiskParams(ctx context.Context, token, marketID string, params domain.RiskParams) (*domain.Market, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}

	var updated *domain.Market
	err := s.store.Transact(ctx, func(repo domain.MarketRepository) error {
		market, err := repo.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := market.ApplyParams(params); err != nil {
			return err
		}
		if err := repo.Save(ctx, market); err != nil {
			return err
		}
		updated = market
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "market risk params updated",
		"market_id", marketID, "version", updated.Version)
	return updated, nil
}

// UpdateStatus 切换市场状态（管理操作）
func (s *RegistryService) UpdateStatus(ctx context.Context, token, marketID string, status domain.MarketStatus) (*domain.Market, error) {
	if err := s.authorize(token); err != nil {
		return nil, err
	}

	var updated *domain.Market
	err := s.store.Transact(ctx, func(repo domain.MarketRepository) error {
		market, err := repo.FindByIDForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := market.SetStatus(status); err != nil {
			return err
		}
		if err := repo.Save(ctx, market); err != nil {
			return err
		}
		updated = market
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "market status updated",
		"market_id", marketID, "status", string(status), "version", updated.Version)
	return updated, nil
}
