package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	status    domain.OutboxStatus
	attempts  int
	createdAt time.Time
	updatedAt time.Time
}

// OutboxRepository держит outbox в памяти: журнал в порядке постановки и
// индекс по id. Удалённые записи вычищаются из журнала при очистке.
type OutboxRepository struct {
	mu      sync.RWMutex
	journal []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{byID: make(map[string]*outboxEntry), now: time.Now}
}

func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[msg.ID]; exists {
		return domain.OutboxMessage{}, fmt.Errorf("outbox message %s already exists", msg.ID)
	}
	at := r.now().UTC()
	entry := &outboxEntry{msg: msg, status: domain.OutboxStatusPending, createdAt: at, updatedAt: at}
	r.journal = append(r.journal, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

// PullPending отдаёт до limit pending-сообщений, начиная с самых старых.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.pending(limit), nil
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.journal {
		switch e.status {
		case domain.OutboxStatusPending:
			if stats.PendingCount == 0 {
				stats.OldestPendingAt = e.createdAt
			}
			stats.PendingCount++
		case domain.OutboxStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.setStatus(id, domain.OutboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.setStatus(id, domain.OutboxStatusFailed)
}

// DeleteProcessedBefore удаляет до limit sent/failed записей с updatedAt <= before.
func (r *OutboxRepository) DeleteProcessedBefore(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*outboxEntry
	for _, e := range r.journal {
		if e.status != domain.OutboxStatusPending && !e.updatedAt.After(before) {
			expired = append(expired, e)
		}
	}
	slices.SortStableFunc(expired, func(a, b *outboxEntry) int { return a.updatedAt.Compare(b.updatedAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for _, e := range expired {
		delete(r.byID, e.msg.ID)
	}
	r.journal = slices.DeleteFunc(r.journal, func(e *outboxEntry) bool {
		_, alive := r.byID[e.msg.ID]
		return !alive
	})
	return len(expired), nil
}

// AllPending возвращает все pending-сообщения; нужен тестам.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.pending(0)
}

func (r *OutboxRepository) pending(limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.OutboxMessage, 0)
	for _, e := range r.journal {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.status == domain.OutboxStatusPending {
			out = append(out, e.msg)
		}
	}
	return out
}

func (r *OutboxRepository) setStatus(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: outbox message %s not found", domain.ErrOutboxPublish, id)
	}
	e.status = status
	e.attempts++
	e.updatedAt = r.now().UTC()
	return nil
}

var (
	_ domain.OutboxRepository = (*OutboxRepository)(nil)
	_ domain.OutboxPruner     = (*OutboxRepository)(nil)
)
