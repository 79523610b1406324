package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
)

// initKafkaProducer возвращает (nil, nil) без брокеров: сервер тогда пишет
// события outbox в лог.
func initKafkaProducer(brokers []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	producer, err := kafka.NewProducer(brokers, clientID)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{"brokers": brokers, "client_id": clientID}).Info("kafka producer ready")
	return producer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	logger.Debug("kafka producer closed")
}

// outboxPublishers выбирает, куда worker отправляет события: в Kafka или в лог.
func outboxPublishers(producer *kafka.Producer, logger *log.Entry) (publisher, dlq domain.OutboxPublisher) {
	if producer == nil {
		lp := logPublisher{logger: logger.WithField("publisher", "log")}
		return lp, lp
	}
	return kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)
}

// logPublisher пишет события outbox в лог, когда Kafka не настроена.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(msg domain.OutboxMessage) error {
	p.logger.WithField("outbox_id", msg.ID).
		WithField("event_type", msg.EventType).
		WithField("aggregate_id", msg.AggregateID).
		Info("outbox event")
	return nil
}
