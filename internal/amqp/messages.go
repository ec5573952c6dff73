package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pettycash/internal/core"
)

// OutboxSyncMessage tells the worker that an outbox row is ready to be sent.
// It carries only the row identity; the worker loads the payload from SQLite.
type OutboxSyncMessage struct {
	Kind      core.OutboxKind `json:"kind"`
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewOutboxSyncMessage(kind core.OutboxKind, id int64) *OutboxSyncMessage {
	return &OutboxSyncMessage{
		Kind:      kind,
		ID:        id,
		Timestamp: time.Now(),
	}
}

func (m *OutboxSyncMessage) Validate() error {
	if m.Kind != core.KindExpense && m.Kind != core.KindTransfer {
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.ID <= 0 {
		return errors.New("missing id")
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (m *OutboxSyncMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// OutboxSyncMessageFromJSON decodes and validates a message body.
func OutboxSyncMessageFromJSON(data []byte) (*OutboxSyncMessage, error) {
	var msg OutboxSyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox message: %w", err)
	}
	return &msg, nil
}
