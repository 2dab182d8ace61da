// Package metrics 提供 Prometheus helper，聚合风险引擎的业务指标
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 风险引擎指标集合
type Metrics struct {
	// 账户操作计数，按操作与结果区分
	LedgerOpsTotal *prometheus.CounterVec
	// 健康检查拒绝计数
	UnhealthyRejections prometheus.Counter
	// 利息累计金额，按市场区分
	InterestAccrued *prometheus.CounterVec
	// 清算执行计数，按市场区分
	LiquidationsTotal *prometheus.CounterVec
	// 清算没收的抵押价值
	SeizedValueTotal *prometheus.CounterVec
	// 各市场坏账总额
	BadDebt *prometheus.GaugeVec
	// 各市场借款总额
	TotalBorrowed *prometheus.GaugeVec
	// 保证金订单计数，按结果区分
	MarginOrdersTotal *prometheus.CounterVec
	// 价格读取失败计数（陈旧或不可用）
	OracleFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New 创建指标实例并注册
func New(serviceName string) *Metrics {
	m := &Metrics{
		LedgerOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "ledger_operations_total",
			Help:      "Total margin ledger operations",
		}, []string{"operation", "result"}),
		UnhealthyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "unhealthy_rejections_total",
			Help:      "Operations rejected by the post-state health check",
		}),
		InterestAccrued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "interest_accrued_total",
			Help:      "Cumulative borrow interest accrued, in asset units",
		}, []string{"market"}),
		LiquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "liquidations_total",
			Help:      "Executed liquidations",
		}, []string{"market", "outcome"}),
		SeizedValueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "seized_value_total",
			Help:      "Collateral value seized by liquidators, in quote units",
		}, []string{"market"}),
		BadDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "bad_debt",
			Help:      "Protocol-level bad debt per market, in quote units",
		}, []string{"market"}),
		TotalBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "total_borrowed",
			Help:      "Total borrowed per market, in asset units",
		}, []string{"market"}),
		MarginOrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "margin_orders_total",
			Help:      "Margin orders forwarded to the matching venue",
		}, []string{"result"}),
		OracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotmargin",
			Subsystem: serviceName,
			Name:      "oracle_failures_total",
			Help:      "Price reads rejected as stale or unavailable",
		}, []string{"reason"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.LedgerOpsTotal,
		m.UnhealthyRejections,
		m.InterestAccrued,
		m.LiquidationsTotal,
		m.SeizedValueTotal,
		m.BadDebt,
		m.TotalBorrowed,
		m.MarginOrdersTotal,
		m.OracleFailures,
	)
	return m
}

// Handler 返回 /metrics 的 gin 处理函数
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
