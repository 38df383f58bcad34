// Package store wraps the shared Redis-compatible key/value server
// behind a narrow interface (spec §4.1, component C1). Every other
// event-plane package depends on this interface, never on *redis.Client
// directly, so tests can run against an in-memory fake.
package store

import (
	"context"
	"time"
)

// StreamEntry is one entry read back from a stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// RateLimitResult is the decoded return of the sliding-window script.
type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	ResetTime time.Time
	Limit     int64
}

// Store is the full surface the event plane needs from the shared
// store. Every method may return an error wrapping ErrUnavailable when
// the underlying link is down or a call exceeds its deadline.
type Store interface {
	// Streams
	StreamAppend(ctx context.Context, key string, fields map[string]interface{}) (id string, err error)
	StreamRangeFrom(ctx context.Context, key string, minID string, count int64) ([]StreamEntry, error)
	// StreamRangeRecent returns up to count entries ending at the
	// stream's tail, newest first.
	StreamRangeRecent(ctx context.Context, key string, count int64) ([]StreamEntry, error)
	StreamTrimApprox(ctx context.Context, key string, maxLen int64) error
	StreamTrimExact(ctx context.Context, key string, maxLen int64) error
	// StreamLen reports the current number of entries retained in the
	// stream, used to report a topic's live buffer occupancy.
	StreamLen(ctx context.Context, key string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel string, payload []byte) error
	PatternSubscribe(ctx context.Context, pattern string) (PubSub, error)

	// Primitives
	Incr(ctx context.Context, key string) (int64, error)
	StringGet(ctx context.Context, key string) (value string, found bool, err error)
	StringSet(ctx context.Context, key string, value string, ttl time.Duration) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key string, values map[string]interface{}) error
	HashDel(ctx context.Context, key string, fields ...string) error
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRem(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetCard(ctx context.Context, key string) (int64, error)
	ListPush(ctx context.Context, key string, values ...string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListLen(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	KeysByPattern(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Server-side scripting
	RateLimitCheck(ctx context.Context, key string, windowSeconds int64, limit int64, requestID string) (RateLimitResult, error)

	// Duplicate returns a second connection, used for the dedicated
	// pattern-subscription link (spec §5).
	Duplicate() Store

	// Close releases underlying connections.
	Close() error
}

// PubSub is a live pattern subscription.
type PubSub interface {
	// Channel delivers (channel, payload) pairs until Close is called
	// or the context passed to PatternSubscribe is canceled.
	Channel() <-chan Message
	Close() error
}

// Message is one pattern-subscription delivery.
type Message struct {
	Channel string
	Payload []byte
}
