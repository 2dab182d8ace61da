// Package domain 保证金账本：逐仓仓位的抵押与负债核算
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

var (
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionAlreadyExists  = errors.New("position already exists")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrAccountUnhealthy       = errors.New("account unhealthy")
	ErrExceedsBorrowCap       = errors.New("exceeds market borrow cap")
	ErrExceedsLeverageCap     = errors.New("exceeds max leverage")
	ErrMathOverflow           = errors.New("balance overflow")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrAssetNotAllowed        = errors.New("asset not allowed in this market")
	ErrMarketInactive         = errors.New("market does not accept this operation")
	ErrOrderNotFound          = errors.New("open order not found")
)

// maxBalance 余额绝对值上限，对应 decimal(38,18) 的可存储范围
var maxBalance = decimal.New(1, 20)

// LiquidationStage 仓位清算阶段
type LiquidationStage string

const (
	StageEligible      LiquidationStage = "ELIGIBLE"
	StageInLiquidation LiquidationStage = "IN_LIQUIDATION"
)

// LiquidationState 仓位不健康期间附着的瞬态清算状态。
// 健康仓位没有该状态；负债清零或健康率回到 1 以上时清除。
type LiquidationState struct {
	Stage LiquidationStage `json:"stage"`
	// 首次观察到 health_ratio < 1 的时间
	EligibleAt time.Time `json:"eligible_at"`
	// 本轮清算已没收的抵押价值（计价资产）
	SeizedValue decimal.Decimal `json:"seized_value"`
	// 本轮适用的清算折扣
	DiscountFactor decimal.Decimal `json:"discount_factor"`
}

// OrderSide 订单方向
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderRef 挂在撮合场所上的未结订单引用
type OrderRef struct {
	OrderID    string          `json:"order_id"`
	Side       OrderSide       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	PriceLimit decimal.Decimal `json:"price_limit"`
	Remaining  decimal.Decimal `json:"remaining"`
	PlacedAt   time.Time       `json:"placed_at"`
}

// Position 逐仓保证金单元：一个 (owner, market) 对应一条仓位，
// 抵押只背书本市场的负债，市场间互不传染。
type Position struct {
	Owner    string `json:"owner"`
	MarketID string `json:"market_id"`

	// 各抵押资产余额，键唯一
	Collateral map[string]decimal.Decimal `json:"collateral"`
	// 各资产借款余额
	Borrowed map[string]decimal.Decimal `json:"borrowed"`

	LastAccrualAt time.Time         `json:"last_accrual_at"`
	OpenOrders    []OrderRef        `json:"open_orders"`
	LiqState      *LiquidationState `json:"liq_state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewPosition(owner, marketID string, now time.Time) *Position {
	return &Position{
		Owner:         owner,
		MarketID:      marketID,
		Collateral:    map[string]decimal.Decimal{},
		Borrowed:      map[string]decimal.Decimal{},
		LastAccrualAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CollateralOf 指定资产的抵押余额
func (p *Position) CollateralOf(asset string) decimal.Decimal {
	if v, ok := p.Collateral[asset]; ok {
		return v
	}
	return decimal.Zero
}

// BorrowedOf 指定资产的借款余额
func (p *Position) BorrowedOf(asset string) decimal.Decimal {
	if v, ok := p.Borrowed[asset]; ok {
		return v
	}
	return decimal.Zero
}

// HasLiabilities 是否存在任何未偿借款
func (p *Position) HasLiabilities() bool {
	for _, v := range p.Borrowed {
		if v.IsPositive() {
			return true
		}
	}
	return false
}

// AddCollateral 增加抵押余额
func (p *Position) AddCollateral(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	next := p.CollateralOf(asset).Add(amount)
	if next.GreaterThan(maxBalance) {
		return ErrMathOverflow
	}
	p.Collateral[asset] = next
	return nil
}

// RemoveCollateral 减少抵押余额，余额不足返回 ErrInsufficientCollateral
func (p *Position) RemoveCollateral(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	cur := p.CollateralOf(asset)
	if cur.LessThan(amount) {
		return ErrInsufficientCollateral
	}
	next := cur.Sub(amount)
	if next.IsZero() {
		delete(p.Collateral, asset)
	} else {
		p.Collateral[asset] = next
	}
	return nil
}

// AddBorrow 增加借款余额
func (p *Position) AddBorrow(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	next := p.BorrowedOf(asset).Add(amount)
	if next.GreaterThan(maxBalance) {
		return ErrMathOverflow
	}
	p.Borrowed[asset] = next
	return nil
}

// ReduceBorrow 减少借款余额，超额偿还截断到当前余额，返回实际偿还量
func (p *Position) ReduceBorrow(asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	cur := p.BorrowedOf(asset)
	if cur.IsZero() {
		return decimal.Zero, nil
	}
	repaid := decimal.Min(amount, cur)
	next := cur.Sub(repaid)
	if next.IsZero() {
		delete(p.Borrowed, asset)
	} else {
		p.Borrowed[asset] = next
	}
	if !p.HasLiabilities() {
		// 负债清零则不存在清算状态
		p.LiqState = nil
	}
	return repaid, nil
}

// ScaleBorrow 按复利增长因子放大指定资产的借款余额，返回新增利息
func (p *Position) ScaleBorrow(asset string, factor decimal.Decimal) (decimal.Decimal, error) {
	cur := p.BorrowedOf(asset)
	if cur.IsZero() {
		return decimal.Zero, nil
	}
	next := cur.Mul(factor)
	if next.GreaterThan(maxBalance) {
		return decimal.Zero, ErrMathOverflow
	}
	p.Borrowed[asset] = next
	return next.Sub(cur), nil
}

// IsEmpty 抵押与负债均为零且无未结订单
func (p *Position) IsEmpty() bool {
	for _, v := range p.Collateral {
		if v.IsPositive() {
			return false
		}
	}
	return !p.HasLiabilities() && len(p.OpenOrders) == 0
}

// FlagEligible 将仓位标记为可清算。已有状态保持不变。
func (p *Position) FlagEligible(discount decimal.Decimal, now time.Time) {
	if p.LiqState != nil {
		return
	}
	p.LiqState = &LiquidationState{
		Stage:          StageEligible,
		EligibleAt:     now,
		SeizedValue:    decimal.Zero,
		DiscountFactor: discount,
	}
	p.UpdatedAt = now
}

// ClearLiquidation 健康恢复后清除清算状态
func (p *Position) ClearLiquidation(now time.Time) {
	p.LiqState = nil
	p.UpdatedAt = now
}

// AddOrder 登记未结订单引用
func (p *Position) AddOrder(ref OrderRef) {
	p.OpenOrders = append(p.OpenOrders, ref)
}

// FindOrder 查找未结订单
func (p *Position) FindOrder(orderID string) (OrderRef, bool) {
	for _, ref := range p.OpenOrders {
		if ref.OrderID == orderID {
			return ref, true
		}
	}
	return OrderRef{}, false
}

// SettleOrder 按剩余量更新或移除订单引用
func (p *Position) SettleOrder(orderID string, remaining decimal.Decimal) {
	for i, ref := range p.OpenOrders {
		if ref.OrderID != orderID {
			continue
		}
		if remaining.IsPositive() {
			p.OpenOrders[i].Remaining = remaining
		} else {
			p.OpenOrders = append(p.OpenOrders[:i], p.OpenOrders[i+1:]...)
		}
		return
	}
}

// OpenOrderBase 未结卖单占用的基础资产数量。
// 卖单成交时要从抵押里扣基础资产，这部分在挂单期间不可取出、不可没收。
func (p *Position) OpenOrderBase() decimal.Decimal {
	total := decimal.Zero
	for _, ref := range p.OpenOrders {
		if ref.Side == SideSell {
			total = total.Add(ref.Remaining)
		}
	}
	return total
}

// Clone 深拷贝，用于假设成交的健康预演
func (p *Position) Clone() *Position {
	cp := *p
	cp.Collateral = make(map[string]decimal.Decimal, len(p.Collateral))
	for k, v := range p.Collateral {
		cp.Collateral[k] = v
	}
	cp.Borrowed = make(map[string]decimal.Decimal, len(p.Borrowed))
	for k, v := range p.Borrowed {
		cp.Borrowed[k] = v
	}
	cp.OpenOrders = append([]OrderRef(nil), p.OpenOrders...)
	if p.LiqState != nil {
		st := *p.LiqState
		cp.LiqState = &st
	}
	return &cp
}

// PositionRepository 仓位仓储。
// FindForUpdate 带行锁读取，保证同一仓位上的操作串行执行。
type PositionRepository interface {
	Create(ctx context.Context, position *Position) error
	Save(ctx context.Context, position *Position) error
	Delete(ctx context.Context, owner, marketID string) error
	Find(ctx context.Context, owner, marketID string) (*Position, error)
	FindForUpdate(ctx context.Context, owner, marketID string) (*Position, error)
}

// UnitOfWork 一个指令的原子执行单元：计息、余额变更与健康检查要么全部提交要么全部回滚。
type UnitOfWork interface {
	Do(ctx context.Context, fn func(positions PositionRepository, markets registrydomain.MarketRepository) error) error
}
