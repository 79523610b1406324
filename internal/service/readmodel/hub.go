// Package readmodel инвалидирует модели чтения UI (список заказов, каталог)
// после изменений, сделанных движком синхронизации.
package readmodel

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Handler перечитывает модель.
type Handler func(ctx context.Context) error

// Hub хранит обработчики и версию каждой модели. Обновление best-effort:
// ошибка обработчика логируется и не прерывает остальные.
type Hub struct {
	mu       sync.RWMutex
	handlers map[domain.ReadModel][]Handler
	versions map[domain.ReadModel]uint64
	logger   *log.Entry
}

// NewHub создаёт пустой Hub.
func NewHub(logger *log.Entry) *Hub {
	if logger == nil {
		logger = log.WithField("component", "readmodel")
	}
	return &Hub{
		handlers: make(map[domain.ReadModel][]Handler),
		versions: make(map[domain.ReadModel]uint64),
		logger:   logger,
	}
}

// Register добавляет обработчик модели.
func (h *Hub) Register(model domain.ReadModel, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[model] = append(h.handlers[model], handler)
}

func (h *Hub) Refresh(ctx context.Context, models ...domain.ReadModel) {
	for _, model := range models {
		h.mu.Lock()
		h.versions[model]++
		handlers := append([]Handler(nil), h.handlers[model]...)
		h.mu.Unlock()

		for _, handler := range handlers {
			if err := handler(ctx); err != nil {
				h.logger.WithError(err).WithField("model", string(model)).Warn("read model refresh failed")
			}
		}
	}
}

// Version возвращает число инвалидаций модели.
func (h *Hub) Version(model domain.ReadModel) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.versions[model]
}

var _ domain.ReadModelRefresher = (*Hub)(nil)
