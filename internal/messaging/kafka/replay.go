package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultReplayLimit       = 100
	defaultReplayIdleTimeout = 2 * time.Second
)

// ErrNotDLQRecord: сообщение в топике DLQ не похоже на запись outbox worker.
var ErrNotDLQRecord = errors.New("message is not an outbox dlq record")

// DecodeDLQ восстанавливает исходное outbox-сообщение из значения Kafka-сообщения DLQ.
func DecodeDLQ(value []byte) (domain.OutboxMessage, domain.DeadLetter, error) {
	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.OutboxMessage{}, domain.DeadLetter{}, fmt.Errorf("%w: %v", ErrNotDLQRecord, err)
	}
	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		return domain.OutboxMessage{}, domain.DeadLetter{}, ErrNotDLQRecord
	}

	var letter domain.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return domain.OutboxMessage{}, domain.DeadLetter{}, fmt.Errorf("%w: decode record: %v", ErrNotDLQRecord, err)
	}
	if letter.OutboxID == "" {
		letter.OutboxID = envelope.ID
	}
	if letter.OutboxID == "" {
		return domain.OutboxMessage{}, domain.DeadLetter{}, fmt.Errorf("%w: outbox id is missing", ErrNotDLQRecord)
	}
	if len(letter.Payload) == 0 {
		return domain.OutboxMessage{}, domain.DeadLetter{}, fmt.Errorf("%w: original payload is missing", ErrNotDLQRecord)
	}
	letter.AggregateType = firstNonEmpty(letter.AggregateType, envelope.AggregateType)
	letter.AggregateID = firstNonEmpty(letter.AggregateID, envelope.AggregateID)
	letter.EventType = firstNonEmpty(letter.EventType, envelope.EventType)
	return letter.Message(), letter, nil
}

// OffsetReader отдаёт партиции и границы offset'ов топика; реализуется sarama.Client.
type OffsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
}

// PartitionConsumer: чтение одной партиции; реализуется sarama.PartitionConsumer.
type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionSource открывает чтение партиции.
type PartitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
}

type consumerSource struct {
	consumer sarama.Consumer
}

// ConsumerSource адаптирует sarama.Consumer к PartitionSource.
func ConsumerSource(consumer sarama.Consumer) PartitionSource {
	return consumerSource{consumer: consumer}
}

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

// ReplayOptions задаёт проход по DLQ.
type ReplayOptions struct {
	SourceTopic string
	Limit       int
	// Execute false: dry-run: кандидаты только логируются.
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
	Logger      *log.Entry
}

// ReplayReport: итог прохода по DLQ.
type ReplayReport struct {
	Processed int
	Replayed  int
	Skipped   int
}

// Replayer перечитывает DLQ и заново публикует исходные outbox-события.
type Replayer struct {
	offsets   OffsetReader
	source    PartitionSource
	publisher domain.OutboxPublisher
	opts      ReplayOptions
}

// NewReplayer создаёт Replayer. publisher может быть nil в режиме dry-run.
func NewReplayer(offsets OffsetReader, source PartitionSource, publisher domain.OutboxPublisher, opts ReplayOptions) *Replayer {
	if opts.SourceTopic == "" {
		opts.SourceTopic = TopicDeadLetterQueue
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultReplayLimit
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultReplayIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "dlq-replay")
	}
	return &Replayer{offsets: offsets, source: source, publisher: publisher, opts: opts}
}

// Run проходит партиции по возрастанию номера, пока не наберёт Limit сообщений.
func (r *Replayer) Run(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	if r.offsets == nil || r.source == nil {
		return report, errors.New("kafka client and consumer are required")
	}
	if r.opts.Execute && r.publisher == nil {
		return report, errors.New("publisher is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.SourceTopic)
	if err != nil {
		return report, fmt.Errorf("get partitions for topic %s: %w", r.opts.SourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if report.Processed >= r.opts.Limit {
			break
		}
		if err := r.replayPartition(ctx, partition, r.opts.Limit-report.Processed, &report); err != nil {
			return report, err
		}
	}

	r.opts.Logger.WithFields(log.Fields{
		"execute":   r.opts.Execute,
		"processed": report.Processed,
		"replayed":  report.Replayed,
		"skipped":   report.Skipped,
	}).Info("dlq replay finished")
	return report, nil
}

func (r *Replayer) replayPartition(ctx context.Context, partition int32, limit int, report *ReplayReport) error {
	topic := r.opts.SourceTopic
	oldest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if r.opts.FromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(topic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.IdleTimeout)
	defer idle.Stop()

	for seen := 0; seen < limit; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.IdleTimeout)

			seen++
			report.Processed++
			if err := r.replayOne(msg, report); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

func (r *Replayer) replayOne(msg *sarama.ConsumerMessage, report *ReplayReport) error {
	logger := r.opts.Logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	original, record, err := DecodeDLQ(msg.Value)
	if err != nil {
		report.Skipped++
		logger.WithError(err).Warn("skip unsupported dlq message")
		return nil
	}

	logger = logger.WithFields(log.Fields{
		"outbox_id":     original.ID,
		"event_type":    original.EventType,
		"publish_error": record.PublishError,
	})
	if !r.opts.Execute {
		report.Replayed++
		logger.Info("dlq replay candidate")
		return nil
	}

	if err := r.publisher.Publish(original); err != nil {
		return fmt.Errorf("replay outbox message %s: %w", original.ID, err)
	}
	report.Replayed++
	logger.Debug("dlq message replayed")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
