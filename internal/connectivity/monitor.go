// Package connectivity отслеживает доступность сети для клиента POS.
//
// Monitor хранит один булев сигнал и рассылает переходы подписчикам без
// какого-либо сглаживания. Сглаживанием дребезга занимается автосинхронизация.
package connectivity

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "possync",
		Subsystem: "connectivity",
		Name:      "online",
		Help:      "1 if the remote authority is considered reachable.",
	})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "possync",
		Subsystem: "connectivity",
		Name:      "transitions_total",
		Help:      "Number of reachability transitions by target state.",
	}, []string{"state"})
)

// Monitor: потокобезопасный сигнал "сеть доступна".
type Monitor struct {
	// deliver сериализует рассылку, чтобы подписчики видели переходы в порядке Set.
	deliver sync.Mutex

	mu     sync.RWMutex
	online bool
	subs   map[int]func(bool)
	nextID int
	logger *log.Entry
}

// MonitorOption настраивает Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger задаёт logger монитора.
func WithMonitorLogger(logger *log.Entry) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor создаёт монитор с начальным состоянием initial.
func NewMonitor(initial bool, options ...MonitorOption) *Monitor {
	m := &Monitor{
		online: initial,
		subs:   make(map[int]func(bool)),
		logger: log.WithField("component", "connectivity"),
	}
	for _, option := range options {
		option(m)
	}
	onlineGauge.Set(boolToFloat(initial))
	return m
}

// Online возвращает текущее состояние.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set сообщает о событии окружения. Подписчики вызываются только при смене
// состояния и синхронно; вызывать Set из подписчика нельзя.
func (m *Monitor) Set(online bool) {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	state := stateLabel(online)
	onlineGauge.Set(boolToFloat(online))
	transitionsTotal.WithLabelValues(state).Inc()
	m.logger.WithField("state", state).Info("connectivity changed")

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe регистрирует обработчик переходов и возвращает функцию отписки.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func stateLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ domain.ConnectivityObserver = (*Monitor)(nil)
