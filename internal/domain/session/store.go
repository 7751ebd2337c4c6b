package session

import (
	"context"
	"time"
)

// Store is the durable record boundary. Implementations must be safe for
// concurrent use; the manager serializes its own registry separately.
type Store interface {
	// Upsert writes the full record including the message list.
	Upsert(ctx context.Context, s *Session) error
	// Get fetches one record; ok is false when the id is unknown.
	Get(ctx context.Context, id string) (*Session, bool, error)
	// List fetches all records, excluding closed ones unless asked.
	List(ctx context.Context, includeClosed bool) ([]*Session, error)
	// Delete removes the record and its messages.
	Delete(ctx context.Context, id string) error

	// AppendMessage appends one message and bumps last activity.
	AppendMessage(ctx context.Context, id string, msg Message) error
	// ClearMessages wipes the transcript, keeping the session row.
	ClearMessages(ctx context.Context, id string) error

	// Scalar updates that avoid a full rewrite.
	SetStatus(ctx context.Context, id string, status Status, busySince *time.Time) error
	SetContinuationToken(ctx context.Context, id, token string) error
	SetDisplayName(ctx context.Context, id, name string) error
	TouchActivity(ctx context.Context, id string, at time.Time) error

	Close() error
}
