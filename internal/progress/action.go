package progress

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SyncAction is a durable outbox entry for a push that has not been
// acknowledged by the remote store.
type SyncAction struct {
	ID            string
	Type          string
	Key           string // book id
	Payload       RemoteRecord
	Timestamp     int64
	RetryCount    int
	NextAttemptAt int64
}

// NewPushAction builds an outbox entry for rec. IDs are UUIDv7 so lexical
// order is creation order.
func NewPushAction(bookID string, rec RemoteRecord, now int64) (SyncAction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return SyncAction{}, fmt.Errorf("action id: %w", err)
	}
	return SyncAction{
		ID:            id.String(),
		Type:          ActionPushProgress,
		Key:           bookID,
		Payload:       rec,
		Timestamp:     now,
		NextAttemptAt: now,
	}, nil
}

// EncodePayload and DecodePayload are the storage form of SyncAction.Payload.
func EncodePayload(rec RemoteRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodePayload(b []byte) (RemoteRecord, error) {
	var rec RemoteRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return RemoteRecord{}, err
	}
	return rec, nil
}
