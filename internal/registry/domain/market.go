// Package domain 风险参数注册表：每个市场的静态/慢变风险参数
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketAlreadyExists = errors.New("market already exists")
	ErrInvalidParams       = errors.New("invalid market risk params")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrVersionConflict     = errors.New("market version conflict")
)

// MarketStatus 市场状态
type MarketStatus string

const (
	MarketStatusActive     MarketStatus = "ACTIVE"
	MarketStatusReduceOnly MarketStatus = "REDUCE_ONLY"
	MarketStatusPaused     MarketStatus = "PAUSED"
	MarketStatusDelisted   MarketStatus = "DELISTED"
)

// RiskParams 可由治理更新的风险参数
type RiskParams struct {
	// 抵押资产计入权重，(0,1]
	AssetWeight decimal.Decimal `json:"asset_weight"`
	// 负债计入权重，>= 1
	LiabilityWeight decimal.Decimal `json:"liability_weight"`
	// 清算折扣因子，(0,1]，清算人按 repay_value/discount 没收抵押
	DiscountFactor decimal.Decimal `json:"discount_factor"`
	// 最大杠杆倍数
	MaxLeverage decimal.Decimal `json:"max_leverage"`
	// 市场借款上限（绝对数量）
	BorrowCap decimal.Decimal `json:"borrow_cap"`
	// 未平仓量上限
	OpenInterestCap decimal.Decimal `json:"open_interest_cap"`
	// 利率曲线拐点利用率，(0,1)
	OptimalUtilization decimal.Decimal `json:"optimal_utilization"`
	// 拐点利用率对应的年化利率
	OptimalRate decimal.Decimal `json:"optimal_rate"`
	// 100% 利用率时的最大年化利率
	MaxRate decimal.Decimal `json:"max_rate"`
}

// Market 单个交易对的风险档案与市场级总量
type Market struct {
	ID         string `json:"id"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	Params RiskParams   `json:"params"`
	Status MarketStatus `json:"status"`

	// 市场级总量。TotalBorrowed 随利息累计增长。
	TotalBorrowed decimal.Decimal `json:"total_borrowed"`
	TotalSupplied decimal.Decimal `json:"total_supplied"`
	OpenInterest  decimal.Decimal `json:"open_interest"`

	// 已确认的协议级坏账，以计价资产计
	TotalBadDebt decimal.Decimal `json:"total_bad_debt"`

	// 参数版本号，每次治理更新单调递增
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewMarket(id, baseAsset, quoteAsset string, params RiskParams) (*Market, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Market{
		ID:            id,
		BaseAsset:     baseAsset,
		QuoteAsset:    quoteAsset,
		Params:        params,
		Status:        MarketStatusActive,
		TotalBorrowed: decimal.Zero,
		TotalSupplied: decimal.Zero,
		OpenInterest:  decimal.Zero,
		TotalBadDebt:  decimal.Zero,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Validate 校验参数范围：asset_weight ∈ (0,1]，liability_weight >= 1，discount ∈ (0,1]
func (p RiskParams) Validate() error {
	one := decimal.NewFromInt(1)
	if !p.AssetWeight.IsPositive() || p.AssetWeight.GreaterThan(one) {
		return ErrInvalidParams
	}
	if p.LiabilityWeight.LessThan(one) {
		return ErrInvalidParams
	}
	if !p.DiscountFactor.IsPositive() || p.DiscountFactor.GreaterThan(one) {
		return ErrInvalidParams
	}
	if !p.MaxLeverage.IsPositive() {
		return ErrInvalidParams
	}
	if p.BorrowCap.IsNegative() || p.OpenInterestCap.IsNegative() {
		return ErrInvalidParams
	}
	if !p.OptimalUtilization.IsPositive() || p.OptimalUtilization.GreaterThanOrEqual(one) {
		return ErrInvalidParams
	}
	if p.OptimalRate.IsNegative() || p.MaxRate.LessThan(p.OptimalRate) {
		return ErrInvalidParams
	}
	return nil
}

// ApplyParams 应用新的风险参数并递增版本。
// 上限只能降到当前占用水平，不能低于它，避免存量账户瞬间资不抵债。
func (m *Market) ApplyParams(params RiskParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if params.BorrowCap.LessThan(m.TotalBorrowed) {
		return ErrInvalidParams
	}
	if params.OpenInterestCap.LessThan(m.OpenInterest) {
		return ErrInvalidParams
	}
	m.Params = params
	m.Version++
	m.UpdatedAt = time.Now()
	return nil
}

// SetStatus 切换市场状态并递增版本。已下架的市场是终态。
func (m *Market) SetStatus(status MarketStatus) error {
	switch status {
	case MarketStatusActive, MarketStatusReduceOnly, MarketStatusPaused, MarketStatusDelisted:
	default:
		return ErrInvalidParams
	}
	if m.Status == MarketStatusDelisted {
		return ErrInvalidParams
	}
	m.Status = status
	m.Version++
	m.UpdatedAt = time.Now()
	return nil
}

// AcceptsOrders 市场是否接受新订单
func (m *Market) AcceptsOrders() bool {
	return m.Status == MarketStatusActive
}

// AcceptsBorrows 市场是否接受新增借款
func (m *Market) AcceptsBorrows() bool {
	return m.Status == MarketStatusActive
}

// AllowedCollateral 该市场下可作为抵押的资产
func (m *Market) AllowedCollateral(asset string) bool {
	return asset == m.BaseAsset || asset == m.QuoteAsset
}

// RecordBadDebt 记录协议级坏账（以计价资产计）。坏账只增不减，必须可查询。
func (m *Market) RecordBadDebt(quoteValue decimal.Decimal) {
	m.TotalBadDebt = m.TotalBadDebt.Add(quoteValue)
	m.UpdatedAt = time.Now()
}

// MarketRepository 市场记录仓储。
// 事务内使用 FindByIDForUpdate 行锁串行化同一市场上的并发操作；
// Save 校验版本号未回退，参数更新与读取版本不一致时返回 ErrVersionConflict。
type MarketRepository interface {
	Create(ctx context.Context, market *Market) error
	Save(ctx context.Context, market *Market) error
	FindByID(ctx context.Context, id string) (*Market, error)
	FindByIDForUpdate(ctx context.Context, id string) (*Market, error)
	FindAll(ctx context.Context) ([]*Market, error)
}
