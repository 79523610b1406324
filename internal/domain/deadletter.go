package domain

import (
	"encoding/json"
	"time"
)

// DeadLetter: запись, которую outbox worker кладёт в DLQ, когда retry
// исчерпаны. Из неё восстанавливается исходное сообщение для повторной
// публикации.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DeadLetteredAt time.Time       `json:"dlq_published_at"`
}

// NewDeadLetter фиксирует сообщение и ошибку последней попытки публикации.
func NewDeadLetter(msg OutboxMessage, publishErr error, at time.Time) DeadLetter {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	letter := DeadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        payload,
		DeadLetteredAt: at.UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}
	return letter
}

// Message возвращает исходное outbox-сообщение; payload null становится nil.
func (d DeadLetter) Message() OutboxMessage {
	msg := OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
	}
	if len(d.Payload) > 0 && string(d.Payload) != "null" {
		msg.Payload = []byte(d.Payload)
	}
	return msg
}

// AsOutboxMessage упаковывает запись в сообщение для DLQ-топика. Ключ и
// идентификатор сохраняются, чтобы запись попала в партицию исходного заказа.
func (d DeadLetter) AsOutboxMessage() (OutboxMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       raw,
	}, nil
}
