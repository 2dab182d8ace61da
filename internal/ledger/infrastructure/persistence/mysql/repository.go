package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/spotmargin/internal/ledger/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
	registrymysql "github.com/wyfcoding/spotmargin/internal/registry/infrastructure/persistence/mysql"
)

// PositionModel 仓位主表，一条记录对应一个 (owner, market) 逐仓单元
type PositionModel struct {
	gorm.Model
	Owner    string `gorm:"column:owner;type:varchar(64);uniqueIndex:idx_owner_market;not null"`
	MarketID string `gorm:"column:market_id;type:varchar(32);uniqueIndex:idx_owner_market;not null"`

	LastAccrualAt time.Time `gorm:"column:last_accrual_at;not null"`

	LiqStage       string          `gorm:"column:liq_stage;type:varchar(20)"`
	LiqEligibleAt  *time.Time      `gorm:"column:liq_eligible_at"`
	LiqSeizedValue decimal.Decimal `gorm:"column:liq_seized_value;type:decimal(38,18)"`
	LiqDiscount    decimal.Decimal `gorm:"column:liq_discount;type:decimal(10,8)"`

	PositionCreated time.Time `gorm:"column:position_created_at"`
}

func (PositionModel) TableName() string { return "positions" }

// PositionBalanceModel 仓位分资产余额表
type PositionBalanceModel struct {
	gorm.Model
	Owner      string          `gorm:"column:owner;type:varchar(64);uniqueIndex:idx_pos_asset;not null"`
	MarketID   string          `gorm:"column:market_id;type:varchar(32);uniqueIndex:idx_pos_asset;not null"`
	Asset      string          `gorm:"column:asset;type:varchar(16);uniqueIndex:idx_pos_asset;not null"`
	Collateral decimal.Decimal `gorm:"column:collateral;type:decimal(38,18);not null"`
	Borrowed   decimal.Decimal `gorm:"column:borrowed;type:decimal(38,18);not null"`
}

func (PositionBalanceModel) TableName() string { return "position_balances" }

// PositionOrderModel 仓位未结订单引用表
type PositionOrderModel struct {
	gorm.Model
	Owner      string          `gorm:"column:owner;type:varchar(64);index:idx_order_pos;not null"`
	MarketID   string          `gorm:"column:market_id;type:varchar(32);index:idx_order_pos;not null"`
	OrderID    string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null"`
	Side       string          `gorm:"column:side;type:varchar(8);not null"`
	Size       decimal.Decimal `gorm:"column:size;type:decimal(38,18);not null"`
	PriceLimit decimal.Decimal `gorm:"column:price_limit;type:decimal(38,18);not null"`
	Remaining  decimal.Decimal `gorm:"column:remaining;type:decimal(38,18);not null"`
	PlacedAt   time.Time       `gorm:"column:placed_at;not null"`
}

func (PositionOrderModel) TableName() string { return "position_orders" }

// PositionRepo 仓位仓储的 MySQL 实现
type PositionRepo struct {
	db *gorm.DB
}

func NewPositionRepo(db *gorm.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

func (r *PositionRepo) Create(ctx context.Context, position *domain.Position) error {
	model := &PositionModel{
		Owner:           position.Owner,
		MarketID:        position.MarketID,
		LastAccrualAt:   position.LastAccrualAt,
		LiqSeizedValue:  decimal.Zero,
		LiqDiscount:     decimal.Zero,
		PositionCreated: position.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrPositionAlreadyExists
		}
		return err
	}
	return nil
}

// Save 覆盖写仓位及其子表。子表先删后插，只能在事务内调用。
func (r *PositionRepo) Save(ctx context.Context, position *domain.Position) error {
	var head PositionModel
	err := r.db.WithContext(ctx).
		Where("owner = ? AND market_id = ?", position.Owner, position.MarketID).
		First(&head).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrPositionNotFound
		}
		return err
	}

	head.LastAccrualAt = position.LastAccrualAt
	if position.LiqState != nil {
		head.LiqStage = string(position.LiqState.Stage)
		eligibleAt := position.LiqState.EligibleAt
		head.LiqEligibleAt = &eligibleAt
		head.LiqSeizedValue = position.LiqState.SeizedValue
		head.LiqDiscount = position.LiqState.DiscountFactor
	} else {
		head.LiqStage = ""
		head.LiqEligibleAt = nil
		head.LiqSeizedValue = decimal.Zero
		head.LiqDiscount = decimal.Zero
	}
	if err := r.db.WithContext(ctx).Save(&head).Error; err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).
		Unscoped().
		Where("owner = ? AND market_id = ?", position.Owner, position.MarketID).
		Delete(&PositionBalanceModel{}).Error; err != nil {
		return err
	}
	assets := map[string]struct{}{}
	for asset := range position.Collateral {
		assets[asset] = struct{}{}
	}
	for asset := range position.Borrowed {
		assets[asset] = struct{}{}
	}
	for asset := range assets {
		balance := PositionBalanceModel{
			Owner:      position.Owner,
			MarketID:   position.MarketID,
			Asset:      asset,
			Collateral: position.CollateralOf(asset),
			Borrowed:   position.BorrowedOf(asset),
		}
		if err := r.db.WithContext(ctx).Create(&balance).Error; err != nil {
			return err
		}
	}

	if err := r.db.WithContext(ctx).
		Unscoped().
		Where("owner = ? AND market_id = ?", position.Owner, position.MarketID).
		Delete(&PositionOrderModel{}).Error; err != nil {
		return err
	}
	for _, ref := range position.OpenOrders {
		order := PositionOrderModel{
			Owner:      position.Owner,
			MarketID:   position.MarketID,
			OrderID:    ref.OrderID,
			Side:       string(ref.Side),
			Size:       ref.Size,
			PriceLimit: ref.PriceLimit,
			Remaining:  ref.Remaining,
			PlacedAt:   ref.PlacedAt,
		}
		if err := r.db.WithContext(ctx).Create(&order).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *PositionRepo) Delete(ctx context.Context, owner, marketID string) error {
	if err := r.db.WithContext(ctx).
		Unscoped().
		Where("owner = ? AND market_id = ?", owner, marketID).
		Delete(&PositionOrderModel{}).Error; err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Unscoped().
		Where("owner = ? AND market_id = ?", owner, marketID).
		Delete(&PositionBalanceModel{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Unscoped().
		Where("owner = ? AND market_id = ?", owner, marketID).
		Delete(&PositionModel{}).Error
}

func (r *PositionRepo) Find(ctx context.Context, owner, marketID string) (*domain.Position, error) {
	return r.load(ctx, owner, marketID, false)
}

// FindForUpdate 主表行锁读取，只能在事务内调用
func (r *PositionRepo) FindForUpdate(ctx context.Context, owner, marketID string) (*domain.Position, error) {
	return r.load(ctx, owner, marketID, true)
}

func (r *PositionRepo) load(ctx context.Context, owner, marketID string, forUpdate bool) (*domain.Position, error) {
	query := r.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var head PositionModel
	err := query.Where("owner = ? AND market_id = ?", owner, marketID).First(&head).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, err
	}

	var balances []PositionBalanceModel
	if err := r.db.WithContext(ctx).
		Where("owner = ? AND market_id = ?", owner, marketID).
		Find(&balances).Error; err != nil {
		return nil, err
	}

	var orders []PositionOrderModel
	if err := r.db.WithContext(ctx).
		Where("owner = ? AND market_id = ?", owner, marketID).
		Order("placed_at").
		Find(&orders).Error; err != nil {
		return nil, err
	}

	position := &domain.Position{
		Owner:         head.Owner,
		MarketID:      head.MarketID,
		Collateral:    map[string]decimal.Decimal{},
		Borrowed:      map[string]decimal.Decimal{},
		LastAccrualAt: head.LastAccrualAt,
		CreatedAt:     head.PositionCreated,
		UpdatedAt:     head.UpdatedAt,
	}
	for _, b := range balances {
		if b.Collateral.IsPositive() {
			position.Collateral[b.Asset] = b.Collateral
		}
		if b.Borrowed.IsPositive() {
			position.Borrowed[b.Asset] = b.Borrowed
		}
	}
	for _, o := range orders {
		position.OpenOrders = append(position.OpenOrders, domain.OrderRef{
			OrderID:    o.OrderID,
			Side:       domain.OrderSide(o.Side),
			Size:       o.Size,
			PriceLimit: o.PriceLimit,
			Remaining:  o.Remaining,
			PlacedAt:   o.PlacedAt,
		})
	}
	if head.LiqStage != "" && head.LiqEligibleAt != nil {
		position.LiqState = &domain.LiquidationState{
			Stage:          domain.LiquidationStage(head.LiqStage),
			EligibleAt:     *head.LiqEligibleAt,
			SeizedValue:    head.LiqSeizedValue,
			DiscountFactor: head.LiqDiscount,
		}
	}
	return position, nil
}

// UnitOfWork 基于 gorm 事务的原子执行单元
type UnitOfWork struct {
	db *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

func (u *UnitOfWork) Do(ctx context.Context, fn func(positions domain.PositionRepository, markets registrydomain.MarketRepository) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewPositionRepo(tx), registrymysql.NewMarketRepo(tx))
	})
}
