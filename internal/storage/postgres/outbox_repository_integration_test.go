package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

func orderEvent(aggregateID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   aggregateID,
		EventType:     "order.created",
		Payload:       []byte(`{"order_id":"` + aggregateID + `"}`),
	}
}

func TestOutboxRepository_PostgresLifecycle(t *testing.T) {
	repo := NewOutboxRepository(newIntegrationStore(t))

	generated, err := repo.Enqueue(orderEvent("order-1"))
	require.NoError(t, err)
	require.NotEmpty(t, generated.ID)

	fixed := orderEvent("order-2")
	fixed.ID = "outbox-fixed-id"
	stored, err := repo.Enqueue(fixed)
	require.NoError(t, err)
	require.Equal(t, "outbox-fixed-id", stored.ID)

	pending, err := repo.PullPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, generated.ID, pending[0].ID)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(pending[0].Payload))

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())
	assert.Zero(t, stats.FailedCount)

	require.NoError(t, repo.MarkSent(generated.ID))
	require.NoError(t, repo.MarkFailed(stored.ID))

	pending, err = repo.PullPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err = repo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.IsZero())
	assert.Equal(t, 1, stats.FailedCount)
}

func TestOutboxRepository_PostgresUnknownID(t *testing.T) {
	repo := NewOutboxRepository(newIntegrationStore(t))

	require.ErrorIs(t, repo.MarkSent("missing-outbox"), domain.ErrOutboxPublish)
	require.ErrorIs(t, repo.MarkFailed("missing-outbox"), domain.ErrOutboxPublish)
}

func TestOutboxRepository_PostgresOrderAndOldest(t *testing.T) {
	repo := NewOutboxRepository(newIntegrationStore(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	repo.now = func() time.Time { return tick }

	first, err := repo.Enqueue(orderEvent("order-old"))
	require.NoError(t, err)
	tick = base.Add(time.Second)
	_, err = repo.Enqueue(orderEvent("order-new"))
	require.NoError(t, err)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.Equal(base))

	pending, err := repo.PullPending(1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestOutboxRepository_PostgresEnqueueWithoutPayload(t *testing.T) {
	repo := NewOutboxRepository(newIntegrationStore(t))

	msg := orderEvent("order-3")
	msg.Payload = nil
	saved, err := repo.Enqueue(msg)
	require.NoError(t, err)

	pending, err := repo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, saved.ID, pending[0].ID)
	assert.Empty(t, pending[0].Payload)
}

func TestOutboxRepository_PostgresDeleteProcessedBefore(t *testing.T) {
	repo := NewOutboxRepository(newIntegrationStore(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	var sent []string
	for _, id := range []string{"order-a", "order-b", "order-c"} {
		msg, err := repo.Enqueue(orderEvent(id))
		require.NoError(t, err)
		require.NoError(t, repo.MarkSent(msg.ID))
		sent = append(sent, msg.ID)
	}
	kept, err := repo.Enqueue(orderEvent("order-pending"))
	require.NoError(t, err)

	deleted, err := repo.DeleteProcessedBefore(now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = repo.DeleteProcessedBefore(now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	deleted, err = repo.DeleteProcessedBefore(now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	left, err := repo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, kept.ID, left[0].ID)
	assert.Len(t, sent, 3)
}
