package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - счетчики работы клиента для внешнего мониторинга.
type Metrics struct {
	registrationsTotal   prometheus.Counter
	reconnectAttempts    prometheus.Counter
	callsTotal           *prometheus.CounterVec
	callsActive          prometheus.Gauge
	transfersTotal       *prometheus.CounterVec
	eventChannelMessages prometheus.Counter
}

// NewMetrics регистрирует метрики в reg. Nil reg использует реестр
// по умолчанию.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		registrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "registrations_total",
			Help:      "Количество успешных SIP регистраций",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "reconnect_attempts_total",
			Help:      "Количество попыток переподключения транспорта",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "calls_total",
			Help:      "Количество вызовов по направлению",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "calls_active",
			Help:      "Количество активных вызовов",
		}),
		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "transfers_total",
			Help:      "Количество переводов по типу и исходу",
		}, []string{"type", "outcome"}),
		eventChannelMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "toky",
			Subsystem: "phone",
			Name:      "event_channel_messages_total",
			Help:      "Количество сообщений push канала",
		}),
	}
}

func (m *Metrics) registered() {
	if m != nil {
		m.registrationsTotal.Inc()
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) callStarted(direction Direction) {
	if m != nil {
		m.callsTotal.WithLabelValues(string(direction)).Inc()
		m.callsActive.Inc()
	}
}

func (m *Metrics) callEnded() {
	if m != nil {
		m.callsActive.Dec()
	}
}

func (m *Metrics) transfer(transferType TransferType, outcome string) {
	if m != nil {
		m.transfersTotal.WithLabelValues(string(transferType), outcome).Inc()
	}
}

func (m *Metrics) channelMessage() {
	if m != nil {
		m.eventChannelMessages.Inc()
	}
}
