package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
)

func noEnv(string) string { return "" }

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, parseBrokers(" kafka-1:9092, ,kafka-2:9092 "))
	assert.Empty(t, parseBrokers(""))
}

func TestReadConfig_FromFlags(t *testing.T) {
	t.Parallel()

	cfg, err := readConfig([]string{
		"-brokers", "kafka:9092",
		"-limit", "5",
		"-execute",
		"-from-newest",
		"-idle-timeout", "500ms",
	}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka:9092"}, cfg.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Equal(t, kafka.TopicOrderEvents, cfg.targetTopic)
	assert.Equal(t, 5, cfg.limit)
	assert.True(t, cfg.execute)
	assert.True(t, cfg.fromNewest)
	assert.Equal(t, 500*time.Millisecond, cfg.idleTimeout)
}

func TestReadConfig_BrokersFromEnv(t *testing.T) {
	t.Parallel()

	cfg, err := readConfig(nil, func(key string) string {
		if key == envBrokers {
			return "a:1,b:2"
		}
		return ""
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.brokers)
	assert.False(t, cfg.execute)
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"no brokers":   nil,
		"empty source": {"-brokers", "k:1", "-source-topic", " "},
		"empty target": {"-brokers", "k:1", "-target-topic", ""},
		"bad limit":    {"-brokers", "k:1", "-limit", "0"},
		"bad idle":     {"-brokers", "k:1", "-idle-timeout", "0s"},
		"unknown flag": {"-nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readConfig(args, noEnv)
			require.ErrorIs(t, err, errUsage)
		})
	}
}

type stubOffsets struct{}

func (stubOffsets) Partitions(string) ([]int32, error) { return []int32{0}, nil }

func (stubOffsets) GetOffset(_ string, _ int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return 0, nil
	}
	return 1, nil
}

type stubPartition struct {
	messages chan *sarama.ConsumerMessage
}

func (s stubPartition) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s stubPartition) Errors() <-chan *sarama.ConsumerError     { return nil }
func (s stubPartition) Close() error                             { return nil }

type stubSource struct {
	value []byte
}

func (s stubSource) ConsumePartition(string, int32, int64) (kafka.PartitionConsumer, error) {
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Offset: 0, Value: s.value}
	return stubPartition{messages: ch}, nil
}

type stubPublisher struct {
	published []domain.OutboxMessage
}

func (p *stubPublisher) Publish(msg domain.OutboxMessage) error {
	p.published = append(p.published, msg)
	return nil
}

func dlqMessage(t *testing.T) []byte {
	t.Helper()

	record, err := json.Marshal(map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "srv-1",
		"event_type":     "order.created",
		"payload":        json.RawMessage(`{"local_id":"local-1"}`),
		"publish_error":  "boom",
	})
	require.NoError(t, err)
	value, err := json.Marshal(kafka.Envelope{ID: "outbox-1", Payload: record})
	require.NoError(t, err)
	return value
}

func stubDeps(t *testing.T, publisher *stubPublisher) *bool {
	t.Helper()

	closed := false
	original := newReplayDeps
	newReplayDeps = func(cfg config) (replayDeps, error) {
		deps := replayDeps{
			offsets: stubOffsets{},
			source:  stubSource{value: dlqMessage(t)},
			close:   func() { closed = true },
		}
		if cfg.execute {
			deps.publisher = publisher
		}
		return deps, nil
	}
	t.Cleanup(func() { newReplayDeps = original })
	return &closed
}

func TestRun_DryRun(t *testing.T) {
	publisher := &stubPublisher{}
	closed := stubDeps(t, publisher)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-brokers", "k:1"}, noEnv, &out)
	require.NoError(t, err)
	assert.Equal(t, "dlq replay dry-run: processed=1 replayed=1 skipped=0\n", out.String())
	assert.Empty(t, publisher.published)
	assert.True(t, *closed)
}

func TestRun_Execute(t *testing.T) {
	publisher := &stubPublisher{}
	stubDeps(t, publisher)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-brokers", "k:1", "-execute"}, noEnv, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "execute: processed=1 replayed=1")
	require.Len(t, publisher.published, 1)
	assert.Equal(t, "outbox-1", publisher.published[0].ID)
	assert.JSONEq(t, `{"local_id":"local-1"}`, string(publisher.published[0].Payload))
}

func TestRun_DependencyError(t *testing.T) {
	original := newReplayDeps
	newReplayDeps = func(config) (replayDeps, error) { return replayDeps{}, errors.New("no brokers reachable") }
	t.Cleanup(func() { newReplayDeps = original })

	err := run(context.Background(), []string{"-brokers", "k:1"}, noEnv, &bytes.Buffer{})
	require.ErrorContains(t, err, "no brokers reachable")
}
