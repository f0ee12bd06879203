package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector экспортирует Prometheus метрики протокольного движка
type MetricsCollector struct {
	sessionsTotal         *prometheus.CounterVec
	sessionsActive        prometheus.Gauge
	stateTransitions      *prometheus.CounterVec
	terminationsTotal     *prometheus.CounterVec
	subscriptionRefreshes prometheus.Counter
}

// NewMetricsCollector регистрирует метрики в указанном реестре.
// nil регистрирует в реестре по умолчанию
func NewMetricsCollector(registerer prometheus.Registerer) *MetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &MetricsCollector{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Количество созданных сессий по направлению",
		}, []string{"direction"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcs",
			Subsystem: "session",
			Name:      "active",
			Help:      "Количество активных сессий",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Переходы состояний жизненного цикла сессии",
		}, []string{"from", "to"}),
		terminationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Завершения сессий по причине",
		}, []string{"reason"}),
		subscriptionRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcs",
			Subsystem: "subscription",
			Name:      "refreshes_total",
			Help:      "Успешные подписки и продления состава конференции",
		}),
	}
}

// SessionStarted учитывает создание сессии
func (mc *MetricsCollector) SessionStarted(direction Direction) {
	if mc == nil {
		return
	}
	mc.sessionsTotal.WithLabelValues(string(direction)).Inc()
	mc.sessionsActive.Inc()
}

// SessionClosed учитывает завершение сессии
func (mc *MetricsCollector) SessionClosed(reason TerminationReason) {
	if mc == nil {
		return
	}
	mc.sessionsActive.Dec()
	mc.terminationsTotal.WithLabelValues(string(reason)).Inc()
}

// StateTransition учитывает переход состояния
func (mc *MetricsCollector) StateTransition(from, to string) {
	if mc == nil {
		return
	}
	mc.stateTransitions.WithLabelValues(from, to).Inc()
}

// SubscriptionRefreshCounter возвращает счетчик продлений подписки
// для передачи менеджеру подписки
func (mc *MetricsCollector) SubscriptionRefreshCounter() prometheus.Counter {
	if mc == nil {
		return nil
	}
	return mc.subscriptionRefreshes
}
