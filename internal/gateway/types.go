// Package gateway holds the types shared across every event-plane
// component: the envelope wire shape, the authenticated principal, and
// the publish input. Keeping them here avoids import cycles between
// topic, distributor, and subscription, which all need the same
// vocabulary.
package gateway

import "time"

// Principal is the already-authenticated identity consumed by the event
// plane. Identity verification that produces it is an external
// collaborator (see spec §1).
type Principal struct {
	UserID      string
	Email       string
	TenantID    string
	Permissions []string
}

// Envelope is the unit the system carries end-to-end.
type Envelope struct {
	ID       string          `json:"id"`
	TopicID  string          `json:"topicId"`
	TenantID string          `json:"tenantId"`
	SenderID string          `json:"senderId"`
	Type     string          `json:"type"`
	Data     RawJSON         `json:"data"`
	Seq      int64           `json:"seq"`
	TS       time.Time       `json:"ts"`
	Priority *int            `json:"priority,omitempty"`
}

// RawJSON defers JSON decoding of the event payload. The event plane
// only needs the serialized bytes for storage and routing; decoding is
// the consumer's job.
type RawJSON []byte

// MarshalJSON returns m as the JSON encoding of m.
func (m RawJSON) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON sets *m to a copy of data.
func (m *RawJSON) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errNilRawJSON
	}
	*m = append((*m)[0:0], data...)
	return nil
}

// PubSubMessage is the payload carried on the store's pub/sub channel,
// distinct from the wire Envelope: it additionally carries the
// publishing replica's id so a distributor can recognize and skip
// forwarding its own replica's events onto its local bus a second
// time (spec §4.6 self-publish dedup).
type PubSubMessage struct {
	ReplicaID string   `json:"replicaId"`
	Envelope  Envelope `json:"envelope"`
}

// PublishInput is the caller-supplied shape for publishEvent, before
// validation and envelope construction.
type PublishInput struct {
	TopicID  string
	Type     string
	Data     RawJSON
	Priority *int
}

// SubscribeInput is the caller-supplied shape for subscribe.
type SubscribeInput struct {
	TopicID string
	FromSeq int64
}

// Baseline event types; anything else must be namespaced custom:*.
const (
	TypeOp       = "op"
	TypeCursor   = "cursor"
	TypePresence = "presence"
	TypeMetric   = "metric"
	TypeStatus   = "status"
)

// CoalesceEligible reports whether type t is eligible for queue
// coalescing (spec §4.3).
func CoalesceEligible(t string) bool {
	return t == TypeCursor || t == TypePresence
}
