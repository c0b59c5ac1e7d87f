package app

import "github.com/prometheus/client_golang/prometheus"

// Metrics 汇总交易周期的核心指标，经 /metrics 端点暴露。
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	riskVerdicts  *prometheus.CounterVec
	orders        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	equity        prometheus.Gauge
}

// NewMetrics 创建并注册指标集合。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_cycles_total",
				Help: "决策周期次数，按结果分类",
			},
			[]string{"symbol", "outcome"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_decisions_total",
				Help: "终局决策次数，按信号分类",
			},
			[]string{"symbol", "signal"},
		),
		riskVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_risk_verdicts_total",
				Help: "风控结论次数，按原因分类",
			},
			[]string{"symbol", "result"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_orders_total",
				Help: "订单提交次数，按终态分类",
			},
			[]string{"symbol", "status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trader_cycle_duration_seconds",
				Help:    "单个决策周期耗时",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"symbol"},
		),
		equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trader_equity_usd",
				Help: "账户净值快照",
			},
		),
	}

	m.registry.MustRegister(m.cycles, m.decisions, m.riskVerdicts, m.orders, m.cycleDuration, m.equity)
	return m
}

// Registry 返回指标注册表，供 HTTP 端点使用。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeCycle(symbol, outcome string, seconds float64) {
	m.cycles.WithLabelValues(symbol, outcome).Inc()
	m.cycleDuration.WithLabelValues(symbol).Observe(seconds)
}

func (m *Metrics) observeDecision(symbol, signal string) {
	m.decisions.WithLabelValues(symbol, signal).Inc()
}

func (m *Metrics) observeVerdict(symbol, result string) {
	m.riskVerdicts.WithLabelValues(symbol, result).Inc()
}

func (m *Metrics) observeOrder(symbol, status string) {
	m.orders.WithLabelValues(symbol, status).Inc()
}

func (m *Metrics) observeEquity(equity float64) {
	m.equity.Set(equity)
}
