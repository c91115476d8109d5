// Package metrics 提供 Prometheus helper，包含常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/stablecoin/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram
	// HTTP 请求大小
	HTTPRequestSize prometheus.Histogram
	// HTTP 响应大小
	HTTPResponseSize prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram
	// 数据库连接数
	DBConnections prometheus.Gauge

	// Redis 操作计数
	RedisOpsTotal prometheus.Counter
	// Redis 操作耗时
	RedisOpDuration prometheus.Histogram

	// 业务指标
	MintsTotal        prometheus.Counter
	BurnsTotal        prometheus.Counter
	LiquidationsTotal prometheus.Counter
	PositionsActive   *prometheus.GaugeVec
	TotalSupply       *prometheus.GaugeVec
	PegDeviation      *prometheus.GaugeVec
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		// HTTP 指标
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		}),
		HTTPResponseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		}),

		// 数据库指标
		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total database queries",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		DBConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "db_connections",
			Help:      "Number of database connections",
		}),

		// Redis 指标
		RedisOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "redis_ops_total",
			Help:      "Total Redis operations",
		}),
		RedisOpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "redis_op_duration_seconds",
			Help:      "Redis operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// 业务指标
		MintsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "mints_total",
			Help:      "Total mint operations executed",
		}),
		BurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "burns_total",
			Help:      "Total burn operations executed",
		}),
		LiquidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "liquidations_total",
			Help:      "Total liquidations executed",
		}),
		PositionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "positions_active",
			Help:      "Number of active collateral positions",
		}, []string{"symbol"}),
		TotalSupply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "total_supply",
			Help:      "Outstanding supply in minor units",
		}, []string{"symbol"}),
		PegDeviation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stablecoin",
			Subsystem: serviceName,
			Name:      "peg_deviation_percent",
			Help:      "Latest observed peg deviation percentage",
		}, []string{"symbol"}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.DBConnections,
		m.RedisOpsTotal,
		m.RedisOpDuration,
		m.MintsTotal,
		m.BurnsTotal,
		m.LiquidationsTotal,
		m.PositionsActive,
		m.TotalSupply,
		m.PegDeviation,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()

	return nil
}
