// Package redis 基于 Redis 的价格源适配器。
// 喂价进程将最新报价写入 hash，风险引擎每个操作单元内重新读取，不做跨单元缓存。
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/spotmargin/internal/oracle/domain"
)

type PriceSource struct {
	client    *goredis.Client
	keyPrefix string
}

func NewPriceSource(client *goredis.Client, keyPrefix string) domain.Source {
	return &PriceSource{client: client, keyPrefix: keyPrefix}
}

// Price 读取 hash 字段 price/confidence/published_at（unix 毫秒）
func (s *PriceSource) Price(ctx context.Context, asset string) (domain.PriceData, error) {
	key := s.keyPrefix + asset
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return domain.PriceData{}, fmt.Errorf("read price key %s: %w", key, err)
	}
	if len(fields) == 0 {
		return domain.PriceData{}, fmt.Errorf("no quote for asset %s", asset)
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return domain.PriceData{}, fmt.Errorf("malformed price for asset %s: %w", asset, err)
	}

	confidence := decimal.Zero
	if raw, ok := fields["confidence"]; ok && raw != "" {
		confidence, err = decimal.NewFromString(raw)
		if err != nil {
			return domain.PriceData{}, fmt.Errorf("malformed confidence for asset %s: %w", asset, err)
		}
	}

	publishedMs, err := strconv.ParseInt(fields["published_at"], 10, 64)
	if err != nil {
		return domain.PriceData{}, fmt.Errorf("malformed publish timestamp for asset %s: %w", asset, err)
	}

	return domain.PriceData{
		Asset:       asset,
		Price:       price,
		Confidence:  confidence,
		PublishedAt: time.UnixMilli(publishedMs),
	}, nil
}
