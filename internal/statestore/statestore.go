// Package statestore provides the volatile TTL-keyed state shared between the
// worker and the event ingestion path: per-conversation message buffers and
// the takeover flags.
//
// Every operation maps to a single atomic key operation on the backing store,
// so callers never need additional locking.
package statestore

import (
	"context"
	"time"
)

// Default TTLs for the takeover flags.
const (
	// DefaultTakeoverTTL bounds how long a human takeover lasts without an
	// explicit reactivation.
	DefaultTakeoverTTL = 24 * time.Hour
	// DefaultRespondingTTL is the window in which an outgoing event is
	// attributed to the bot rather than a human agent.
	DefaultRespondingTTL = 15 * time.Second
)

// Store is the volatile state abstraction consumed by the worker.
type Store interface {
	// PushBuffer appends content to the conversation buffer and refreshes the
	// buffer TTL. Returns the buffer length after the push.
	PushBuffer(ctx context.Context, conversationID int64, content string, ttl time.Duration) (int64, error)

	// ReadBuffer returns all buffered fragments in push order. A missing or
	// expired buffer yields an empty slice, not an error.
	ReadBuffer(ctx context.Context, conversationID int64) ([]string, error)

	// DeleteBuffer removes the conversation buffer entirely.
	DeleteBuffer(ctx context.Context, conversationID int64) error

	// BufferExists reports whether the buffer key has not expired.
	BufferExists(ctx context.Context, conversationID int64) (bool, error)

	// SetHumanTakeover marks the conversation as human-owned (long TTL).
	SetHumanTakeover(ctx context.Context, conversationID int64) error

	// ClearHumanTakeover returns the conversation to the bot.
	ClearHumanTakeover(ctx context.Context, conversationID int64) error

	// IsHumanTakeover reports whether a human agent owns the conversation.
	IsHumanTakeover(ctx context.Context, conversationID int64) (bool, error)

	// SetAIResponding marks that the next outgoing message on the conversation
	// is authored by the bot (short TTL).
	SetAIResponding(ctx context.Context, conversationID int64) error

	// IsAIResponding reports whether the bot-authored marker is present.
	IsAIResponding(ctx context.Context, conversationID int64) (bool, error)

	// Close releases the underlying connections.
	Close() error
}
