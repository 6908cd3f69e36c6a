package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics 汇总请求拦截与生命周期事件计数；nil 接收者上的调用均为空操作。
type Metrics struct {
	fetches   *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
}

// NewMetrics 创建计数器并注册到 reg；reg 为 nil 时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "fetch_total",
			Help:      "Intercepted requests by app, strategy and result.",
		}, []string{"app", "strategy", "result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "lifecycle_total",
			Help:      "Worker lifecycle events by app, event and result.",
		}, []string{"app", "event", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.lifecycle)
	}
	return m
}

func (m *Metrics) observeFetch(app string, strategy Strategy, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(app, string(strategy), result).Inc()
}

func (m *Metrics) observeLifecycle(app, event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lifecycle.WithLabelValues(app, event, result).Inc()
}
