package persist

import (
	"context"
	"time"
)

// Message is a finalized chat message as handed to durable storage and fanned
// out to room members.
type Message struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	SenderID string    `json:"senderId"`
	Type     string    `json:"type"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
}

// MessageStore is the durable-storage collaborator. Append must be idempotent
// on the message id: replaying a message is a no-op, not a duplicate row.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
}
