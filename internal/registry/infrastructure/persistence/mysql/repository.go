package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/spotmargin/internal/registry/domain"
)

// MarketModel 市场档案表
type MarketModel struct {
	gorm.Model
	MarketID   string `gorm:"column:market_id;type:varchar(32);uniqueIndex;not null"`
	BaseAsset  string `gorm:"column:base_asset;type:varchar(16);not null"`
	QuoteAsset string `gorm:"column:quote_asset;type:varchar(16);not null"`

	AssetWeight        decimal.Decimal `gorm:"column:asset_weight;type:decimal(10,8);not null"`
	LiabilityWeight    decimal.Decimal `gorm:"column:liability_weight;type:decimal(10,8);not null"`
	DiscountFactor     decimal.Decimal `gorm:"column:discount_factor;type:decimal(10,8);not null"`
	MaxLeverage        decimal.Decimal `gorm:"column:max_leverage;type:decimal(10,4);not null"`
	BorrowCap          decimal.Decimal `gorm:"column:borrow_cap;type:decimal(38,18);not null"`
	OpenInterestCap    decimal.Decimal `gorm:"column:open_interest_cap;type:decimal(38,18);not null"`
	OptimalUtilization decimal.Decimal `gorm:"column:optimal_utilization;type:decimal(10,8);not null"`
	OptimalRate        decimal.Decimal `gorm:"column:optimal_rate;type:decimal(10,8);not null"`
	MaxRate            decimal.Decimal `gorm:"column:max_rate;type:decimal(10,8);not null"`

	Status        string          `gorm:"column:status;type:varchar(20);not null"`
	TotalBorrowed decimal.Decimal `gorm:"column:total_borrowed;type:decimal(38,18);not null"`
	TotalSupplied decimal.Decimal `gorm:"column:total_supplied;type:decimal(38,18);not null"`
	OpenInterest  decimal.Decimal `gorm:"column:open_interest;type:decimal(38,18);not null"`
	TotalBadDebt  decimal.Decimal `gorm:"column:total_bad_debt;type:decimal(38,18);not null"`
	Version       int64           `gorm:"column:version;not null"`
	MarketCreated time.Time       `gorm:"column:market_created_at"`
}

func (MarketModel) TableName() string { return "markets" }

// MarketRepo 市场仓储的 MySQL 实现
type MarketRepo struct {
	db *gorm.DB
}

func NewMarketRepo(db *gorm.DB) *MarketRepo {
	return &MarketRepo{db: db}
}

// Transact 在单个数据库事务内执行 fn
func (r *MarketRepo) Transact(ctx context.Context, fn func(repo domain.MarketRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&MarketRepo{db: tx})
	})
}

func (r *MarketRepo) Create(ctx context.Context, market *domain.Market) error {
	model := toModel(market)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrMarketAlreadyExists
		}
		return err
	}
	return nil
}

func (r *MarketRepo) Save(ctx context.Context, market *domain.Market) error {
	var exist MarketModel
	err := r.db.WithContext(ctx).Where("market_id = ?", market.ID).First(&exist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrMarketNotFound
		}
		return err
	}
	if exist.Version > market.Version {
		return domain.ErrVersionConflict
	}

	model := toModel(market)
	model.ID = exist.ID
	model.CreatedAt = exist.CreatedAt
	return r.db.WithContext(ctx).Save(model).Error
}

func (r *MarketRepo) FindByID(ctx context.Context, id string) (*domain.Market, error) {
	var model MarketModel
	if err := r.db.WithContext(ctx).Where("market_id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, err
	}
	return toDomain(&model), nil
}

// FindByIDForUpdate 带行锁读取，只能在事务内调用
func (r *MarketRepo) FindByIDForUpdate(ctx context.Context, id string) (*domain.Market, error) {
	var model MarketModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("market_id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, err
	}
	return toDomain(&model), nil
}

func (r *MarketRepo) FindAll(ctx context.Context) ([]*domain.Market, error) {
	var models []MarketModel
	if err := r.db.WithContext(ctx).Order("market_id").Find(&models).Error; err != nil {
		return nil, err
	}
	markets := make([]*domain.Market, 0, len(models))
	for i := range models {
		markets = append(markets, toDomain(&models[i]))
	}
	return markets, nil
}

func toModel(m *domain.Market) *MarketModel {
	return &MarketModel{
		MarketID:           m.ID,
		BaseAsset:          m.BaseAsset,
		QuoteAsset:         m.QuoteAsset,
		AssetWeight:        m.Params.AssetWeight,
		LiabilityWeight:    m.Params.LiabilityWeight,
		DiscountFactor:     m.Params.DiscountFactor,
		MaxLeverage:        m.Params.MaxLeverage,
		BorrowCap:          m.Params.BorrowCap,
		OpenInterestCap:    m.Params.OpenInterestCap,
		OptimalUtilization: m.Params.OptimalUtilization,
		OptimalRate:        m.Params.OptimalRate,
		MaxRate:            m.Params.MaxRate,
		Status:             string(m.Status),
		TotalBorrowed:      m.TotalBorrowed,
		TotalSupplied:      m.TotalSupplied,
		OpenInterest:       m.OpenInterest,
		TotalBadDebt:       m.TotalBadDebt,
		Version:            m.Version,
		MarketCreated:      m.CreatedAt,
	}
}

func toDomain(m *MarketModel) *domain.Market {
	return &domain.Market{
		ID:         m.MarketID,
		BaseAsset:  m.BaseAsset,
		QuoteAsset: m.QuoteAsset,
		Params: domain.RiskParams{
			AssetWeight:        m.AssetWeight,
			LiabilityWeight:    m.LiabilityWeight,
			DiscountFactor:     m.DiscountFactor,
			MaxLeverage:        m.MaxLeverage,
			BorrowCap:          m.BorrowCap,
			OpenInterestCap:    m.OpenInterestCap,
			OptimalUtilization: m.OptimalUtilization,
			OptimalRate:        m.OptimalRate,
			MaxRate:            m.MaxRate,
		},
		Status:        domain.MarketStatus(m.Status),
		TotalBorrowed: m.TotalBorrowed,
		TotalSupplied: m.TotalSupplied,
		OpenInterest:  m.OpenInterest,
		TotalBadDebt:  m.TotalBadDebt,
		Version:       m.Version,
		CreatedAt:     m.MarketCreated,
		UpdatedAt:     m.UpdatedAt,
	}
}
