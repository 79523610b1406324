package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()

	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := wrapSyncProducer(mockProducer)
	producer.now = func() time.Time { return sentAt }
	return producer, mockProducer
}

func orderCreatedMessage() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "order",
		AggregateID:   "srv-123",
		EventType:     "order.created",
		Payload:       []byte(`{"local_id":"local-1"}`),
	}
}

func headerMap(headers []sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducerConfig(t *testing.T) {
	t.Parallel()

	cfg := producerConfig("")
	assert.Equal(t, defaultClientID, cfg.ClientID)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Idempotent)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, 1, cfg.Net.MaxOpenRequests)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "possync-dlq-replay", producerConfig("possync-dlq-replay").ClientID)
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(nil, "")
	require.Error(t, err)
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	local := time.Date(2026, 3, 1, 15, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	envelope := NewEnvelope(orderCreatedMessage(), local)
	assert.Equal(t, "outbox-1", envelope.ID)
	assert.Equal(t, "srv-123", envelope.AggregateID)
	assert.JSONEq(t, `{"local_id":"local-1"}`, string(envelope.Payload))
	assert.Equal(t, sentAt, envelope.PublishedAt)

	empty := NewEnvelope(domain.OutboxMessage{ID: "outbox-2"}, sentAt)
	assert.Equal(t, "null", string(empty.Payload))
}

func TestProducer_Send(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "srv-123" {
			return errors.New("unexpected key " + string(key))
		}
		headers := headerMap(msg.Headers)
		if headers[HeaderOutboxID] != "outbox-1" || headers[HeaderEventType] != "order.created" {
			return errors.New("unexpected headers")
		}
		if !msg.Timestamp.Equal(sentAt) {
			return errors.New("unexpected timestamp")
		}
		return nil
	})

	require.NoError(t, producer.Send(TopicOrderEvents, orderCreatedMessage()))
	require.NoError(t, mockProducer.Close())
}

func TestProducer_SendKeyFallsBackToOutboxID(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "outbox-9" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})

	require.NoError(t, producer.Send(TopicDeadLetterQueue, domain.OutboxMessage{ID: "outbox-9"}))
	require.NoError(t, mockProducer.Close())
}

func TestProducer_SendError(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(TopicOrderEvents, orderCreatedMessage())
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_NilGuards(t *testing.T) {
	t.Parallel()

	var producer *Producer
	require.ErrorIs(t, producer.Send(TopicOrderEvents, orderCreatedMessage()), errProducerNotInitialized)
	require.NoError(t, producer.Close())
	require.ErrorIs(t, NewOutboxPublisher(nil, TopicOrderEvents).Publish(orderCreatedMessage()), errProducerNotInitialized)
}

func TestOutboxPublisher_DefaultTopicAndEnvelope(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return err
		}
		if envelope.EventType != "order.created" || string(envelope.Payload) != `{"local_id":"local-1"}` {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	require.NoError(t, NewOutboxPublisher(producer, "").Publish(orderCreatedMessage()))
	require.NoError(t, mockProducer.Close())
}
