// Package domain 订单结算桥：保证金账本与外部现货撮合场所之间的防腐层
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrVenueRejected       = errors.New("venue rejected order")
	ErrVenueUnavailable    = errors.New("venue unavailable")
	ErrExceedsOpenInterest = errors.New("exceeds market open interest cap")
	ErrOrderWouldUnhealthy = errors.New("order would leave account unhealthy")
	ErrUnknownVenueOrder   = errors.New("order unknown to venue")
)

// OrderRequest 提交给撮合场所的限价单
type OrderRequest struct {
	MarketID   string
	Owner      string
	Side       string
	Size       decimal.Decimal
	PriceLimit decimal.Decimal
}

// Fill 撮合场所返回的成交回执。部分成交时 Remaining 为剩余挂单量。
type Fill struct {
	OrderID     string
	FilledBase  decimal.Decimal
	FilledQuote decimal.Decimal
	Remaining   decimal.Decimal
}

// Venue 外部现货撮合场所。本服务不撮合，只对成交结果记账。
type Venue interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, marketID, orderID string) (Fill, error)
}
