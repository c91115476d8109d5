// Package client 外部服务客户端。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/pkg/cache"
)

// HTTPOracle 价格服务的 HTTP 客户端。
// GET {base}/api/v1/rates?from=X&to=Y，响应 {"rate":"1.1"}；
// 404 视为无可用汇率。
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPOracle 创建预言机客户端
func NewHTTPOracle(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPOracle {
	return &HTTPOracle{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("module", "oracle_client"),
	}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

// GetRate 查询汇率
func (o *HTTPOracle) GetRate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/v1/rates?from=%s&to=%s",
		o.baseURL, url.QueryEscape(fromAsset), url.QueryEscape(toAsset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rate request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", domain.ErrRateUnavailable, fromAsset, toAsset, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("%w: %s/%s", domain.ErrRateUnavailable, fromAsset, toAsset)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s/%s: status %d",
			domain.ErrRateUnavailable, fromAsset, toAsset, resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: decode: %v",
			domain.ErrRateUnavailable, fromAsset, toAsset, err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: non-positive rate %s",
			domain.ErrRateUnavailable, fromAsset, toAsset, body.Rate)
	}
	return body.Rate, nil
}

// CachedOracle 带 Redis 缓存的预言机装饰器。缓存失效或 Redis 故障时
// 直接回源，不放大预言机错误。
type CachedOracle struct {
	inner  domain.Oracle
	cache  *cache.RedisCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedOracle 创建缓存装饰器
func NewCachedOracle(inner domain.Oracle, redisCache *cache.RedisCache, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	return &CachedOracle{
		inner:  inner,
		cache:  redisCache,
		ttl:    ttl,
		logger: logger.With("module", "oracle_cache"),
	}
}

// GetRate 先查缓存，未命中回源并写回。
func (c *CachedOracle) GetRate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	key := fmt.Sprintf("oracle:rate:%s:%s", fromAsset, toAsset)

	if cached, err := c.cache.Get(ctx, key); err == nil && cached != "" {
		rate, parseErr := decimal.NewFromString(cached)
		if parseErr == nil {
			return rate, nil
		}
		c.logger.WarnContext(ctx, "corrupt cached rate, falling through",
			"key", key, "value", cached)
	}

	rate, err := c.inner.GetRate(ctx, fromAsset, toAsset)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.cache.Set(ctx, key, rate.String(), c.ttl); err != nil {
		c.logger.WarnContext(ctx, "rate cache write failed", "key", key, "error", err)
	}
	return rate, nil
}
