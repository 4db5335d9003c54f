package core

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// OwnerID identifies the user a message belongs to.
type OwnerID int64

// String renders the id the way backends store it.
func (o OwnerID) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// ChatID identifies the conversation a message is displayed in.
// In a private chat it equals the owner's id.
type ChatID int64

// ExternalID is the message id assigned by the transport after delivery.
// The zero value means the message has not been delivered yet.
type ExternalID int64

// Valid reports whether the id was assigned by a transport.
func (e ExternalID) Valid() bool {
	return e > 0
}

// String renders the id the way backends store it.
func (e ExternalID) String() string {
	return strconv.FormatInt(int64(e), 10)
}

// RecordKey is the opaque, immutable identifier of a stored message.
type RecordKey string

// NewRecordKey generates a fresh random key.
func NewRecordKey() RecordKey {
	return RecordKey(uuid.New().String())
}

func (k RecordKey) String() string {
	return string(k)
}

// MessageRecord is a single stored message together with its embedding.
//
// Key, OwnerID and Timestamp never change after creation. ExternalID is
// written once, when the transport confirms delivery. Text and Embedding
// are always replaced together so the embedding matches the current text.
type MessageRecord struct {
	Key        RecordKey  `json:"key"`
	OwnerID    OwnerID    `json:"owner_id"`
	ExternalID ExternalID `json:"ext_id,omitempty"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"embedding"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Provisional reports whether the record is still waiting for delivery.
func (r *MessageRecord) Provisional() bool {
	return !r.ExternalID.Valid()
}

// Clone returns a deep copy so callers can't mutate a backend's state.
func (r *MessageRecord) Clone() *MessageRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Embedding != nil {
		c.Embedding = make([]float32, len(r.Embedding))
		copy(c.Embedding, r.Embedding)
	}
	return &c
}
