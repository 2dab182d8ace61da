// Package domain 价格预言机适配层：对外部喂价做时效与置信度校验
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrStalePrice       = errors.New("oracle price is stale")
	ErrPriceUnavailable = errors.New("oracle price unavailable")
)

// PriceData 单个资产的喂价快照
type PriceData struct {
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishedAt time.Time       `json:"published_at"`
}

// Source 外部价格源。实现方负责返回最近一次发布的价格与时间戳。
type Source interface {
	Price(ctx context.Context, asset string) (PriceData, error)
}

// GuardRails 价格有效性保护参数
type GuardRails struct {
	// 置信区间与价格之比的上限，超出视为价格不可用
	MaxConfidenceRatio decimal.Decimal
}

// Oracle 将外部价格源包装为带校验的读取入口。
// 每次调用都从源重新读取，调用方必须给出时效上限并在出错时拒绝操作。
type Oracle struct {
	source Source
	guards GuardRails
	now    func() time.Time
}

func NewOracle(source Source, guards GuardRails) *Oracle {
	return &Oracle{source: source, guards: guards, now: time.Now}
}

// NewOracleAt 指定时钟，用于确定性测试
func NewOracleAt(source Source, guards GuardRails, now func() time.Time) *Oracle {
	return &Oracle{source: source, guards: guards, now: now}
}

// CurrentPrice 读取资产当前价格。
// 超过 maxStaleness 返回 ErrStalePrice；价格缺失、非正或置信区间过宽返回 ErrPriceUnavailable。
func (o *Oracle) CurrentPrice(ctx context.Context, asset string, maxStaleness time.Duration) (PriceData, error) {
	data, err := o.source.Price(ctx, asset)
	if err != nil {
		return PriceData{}, errors.Join(ErrPriceUnavailable, err)
	}

	if !data.Price.IsPositive() {
		return PriceData{}, ErrPriceUnavailable
	}

	age := o.now().Sub(data.PublishedAt)
	if age > maxStaleness {
		return PriceData{}, ErrStalePrice
	}

	if data.Confidence.IsPositive() && o.guards.MaxConfidenceRatio.IsPositive() {
		ratio := data.Confidence.Div(data.Price)
		if ratio.GreaterThan(o.guards.MaxConfidenceRatio) {
			return PriceData{}, ErrPriceUnavailable
		}
	}

	return data, nil
}
