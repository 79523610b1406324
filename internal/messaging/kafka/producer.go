package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const defaultClientID = "possync-order-server"

var errProducerNotInitialized = errors.New("kafka producer is not initialized")

// Producer отправляет outbox-сообщения в Kafka синхронно: Publish возвращается
// только после подтверждения всех in-sync реплик.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам идемпотентным sync producer.
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	sync, err := sarama.NewSyncProducer(brokers, producerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return wrapSyncProducer(sync), nil
}

// producerConfig: acks=all и идемпотентность, без них повтор отправки
// мог бы задвоить событие в партиции.
func producerConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = defaultClientID
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func wrapSyncProducer(sync sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sync,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// Send публикует сообщение в topic в виде Envelope.
func (p *Producer) Send(topic string, msg domain.OutboxMessage) error {
	if p == nil || p.sync == nil {
		return errProducerNotInitialized
	}

	sentAt := p.now()
	value, err := json.Marshal(NewEnvelope(msg, sentAt))
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}

	fields := log.Fields{"topic": topic, "outbox_id": msg.ID, "event_type": msg.EventType}
	partition, offset, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(partitionKey(msg)),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(msg),
		Timestamp: sentAt,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send %s to %s: %w", msg.ID, topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// Close закрывает соединения с брокерами.
func (p *Producer) Close() error {
	if p == nil || p.sync == nil {
		return nil
	}
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// topicPublisher привязывает Producer к одному topic.
type topicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher возвращает OutboxPublisher, пишущий в topic
// (по умолчанию TopicOrderEvents).
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return topicPublisher{producer: producer, topic: topic}
}

func (p topicPublisher) Publish(msg domain.OutboxMessage) error {
	return p.producer.Send(p.topic, msg)
}
