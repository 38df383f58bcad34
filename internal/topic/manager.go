// Package topic implements component C3: sequence allocation, durable
// append to a bounded stream, the subscriber registry per topic, the
// per-subscriber bounded queue with coalescing, and the
// inactive-subscriber reaper (spec §4.3).
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

const (
	subscriberMetaTTL = 3600 * time.Second
	queueTTL          = 3600 * time.Second
	coalesceThreshold = 0.75
)

// Manager implements the Topic Manager contract of spec §4.3.
type Manager struct {
	st                 store.Store
	keys               store.Keys
	replicaID          string
	maxTopicBufferSize int64
	maxQueueSize       int64
	slowClientThreshold time.Duration
	exactTrim          bool
	metrics            *metrics.Registry
	logger             *zap.Logger
}

// Options configures a Manager.
type Options struct {
	Prefix    string
	ReplicaID string
	MaxTopicBufferSize  int64 // spec default 1000
	MaxSubscriberQueue  int64 // spec default 100
	SlowClientThreshold time.Duration
	// ExactTrim selects MAXLEN (exact) stream trimming instead of the
	// default MAXLEN ~ (approximate). See spec §9 open question;
	// decision recorded in DESIGN.md: approximate is the default.
	ExactTrim bool
}

// New builds a Manager.
func New(st store.Store, opts Options, registry *metrics.Registry, logger *zap.Logger) *Manager {
	if opts.MaxTopicBufferSize <= 0 {
		opts.MaxTopicBufferSize = 1000
	}
	if opts.MaxSubscriberQueue <= 0 {
		opts.MaxSubscriberQueue = 100
	}
	if opts.SlowClientThreshold <= 0 {
		opts.SlowClientThreshold = 5 * time.Second
	}
	return &Manager{
		st:                  st,
		keys:                store.Keys{Prefix: opts.Prefix},
		replicaID:           opts.ReplicaID,
		maxTopicBufferSize:  opts.MaxTopicBufferSize,
		maxQueueSize:        opts.MaxSubscriberQueue,
		slowClientThreshold: opts.SlowClientThreshold,
		exactTrim:           opts.ExactTrim,
		metrics:             registry,
		logger:              logger,
	}
}

// Append assigns env.Seq, appends it to the durable stream, updates
// topic metadata, publishes it for cross-replica fan-out, and trims the
// stream, approximately unless ExactTrim is set (spec §4.3 "append(env)").
func (m *Manager) Append(ctx context.Context, env *gateway.Envelope) error {
	seqKey := m.keys.Seq(env.TenantID, env.TopicID)
	seq, err := m.st.Incr(ctx, seqKey)
	if err != nil {
		return err
	}
	env.Seq = seq

	streamKey := m.keys.Stream(env.TenantID, env.TopicID)
	fields := map[string]interface{}{
		"id":     env.ID,
		"type":   env.Type,
		"data":   string(env.Data),
		"seq":    seq,
		"ts":     env.TS.Format(time.RFC3339Nano),
		"userId": env.SenderID,
	}
	if _, err := m.st.StreamAppend(ctx, streamKey, fields); err != nil {
		return err
	}

	metaKey := m.keys.TopicMeta(env.TenantID, env.TopicID)
	_ = m.st.HashSet(ctx, metaKey, map[string]interface{}{
		"lastEventId": seq,
		"lastActive":  time.Now().UnixMilli(),
	})
	_ = m.st.Expire(ctx, metaKey, 24*time.Hour)

	payload, err := json.Marshal(gateway.PubSubMessage{ReplicaID: m.replicaID, Envelope: *env})
	if err != nil {
		return fmt.Errorf("topic: marshal envelope: %w", err)
	}
	pubChannel := m.keys.PubChannel(env.TenantID, env.TopicID)
	if err := m.st.Publish(ctx, pubChannel, payload); err != nil {
		return err
	}

	if m.exactTrim {
		_ = m.st.StreamTrimExact(ctx, streamKey, m.maxTopicBufferSize)
	} else {
		_ = m.st.StreamTrimApprox(ctx, streamKey, m.maxTopicBufferSize)
	}

	if m.metrics != nil {
		m.metrics.EventsPublished.Inc()
	}
	return nil
}

// AddSubscriber registers subID on {tenant, topic} for userID.
func (m *Manager) AddSubscriber(ctx context.Context, tenant, topic, subID, userID string) error {
	metaKey := m.keys.SubscriberMeta(tenant, subID)
	if err := m.st.HashSet(ctx, metaKey, map[string]interface{}{
		"userId":   userID,
		"topicId":  topic,
		"lastSeen": time.Now().UnixMilli(),
		"isActive": "true",
	}); err != nil {
		return err
	}
	if err := m.st.Expire(ctx, metaKey, subscriberMetaTTL); err != nil {
		return err
	}
	subsKey := m.keys.TopicSubscribers(tenant, topic)
	if err := m.st.SetAdd(ctx, subsKey, subID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SubscribersActive.Inc()
		if n, err := m.st.SetCard(ctx, subsKey); err == nil && n == 1 {
			m.metrics.TopicsActive.Inc()
		}
	}
	return nil
}

// RemoveSubscriber unregisters subID from {tenant, topic} and deletes
// its queue and metadata.
func (m *Manager) RemoveSubscriber(ctx context.Context, tenant, topic, subID string) error {
	subsKey := m.keys.TopicSubscribers(tenant, topic)
	_ = m.st.SetRem(ctx, subsKey, subID)
	_ = m.st.Delete(ctx, m.keys.SubscriberQueue(tenant, subID, topic))
	err := m.st.Delete(ctx, m.keys.SubscriberMeta(tenant, subID))
	if m.metrics != nil {
		m.metrics.SubscribersActive.Dec()
		if n, cerr := m.st.SetCard(ctx, subsKey); cerr == nil && n == 0 {
			m.metrics.TopicsActive.Dec()
		}
	}
	return err
}

// MarkSeen refreshes a subscriber's lastSeen/isActive. The distributor
// calls it to mark a failed enqueue target inactive instead of removing
// it outright. subscription.Stream does not call it, so a subscriber's
// lastSeen is otherwise only the time AddSubscriber ran.
func (m *Manager) MarkSeen(ctx context.Context, tenant, subID string, active bool) error {
	key := m.keys.SubscriberMeta(tenant, subID)
	activeStr := "true"
	if !active {
		activeStr = "false"
	}
	if err := m.st.HashSet(ctx, key, map[string]interface{}{
		"lastSeen": time.Now().UnixMilli(),
		"isActive": activeStr,
	}); err != nil {
		return err
	}
	return m.st.Expire(ctx, key, subscriberMetaTTL)
}

// Subscribers returns the subscriberIds currently registered on
// {tenant, topic}.
func (m *Manager) Subscribers(ctx context.Context, tenant, topic string) ([]string, error) {
	return m.st.SetMembers(ctx, m.keys.TopicSubscribers(tenant, topic))
}

// Enqueue appends env to subID's bounded queue, applying the
// coalescing policy and head-trim overflow handling of spec §4.3.
func (m *Manager) Enqueue(ctx context.Context, tenant, topic, subID string, env *gateway.Envelope) error {
	key := m.keys.SubscriberQueue(tenant, subID, topic)

	if gateway.CoalesceEligible(env.Type) {
		length, err := m.st.ListLen(ctx, key)
		if err == nil && float64(length) >= coalesceThreshold*float64(m.maxQueueSize) {
			if err := m.coalesce(ctx, key, env.Type, env.SenderID); err != nil && m.logger != nil {
				m.logger.Warn("coalesce failed", zap.Error(err))
			}
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("topic: marshal envelope: %w", err)
	}

	newLen, err := m.st.ListPush(ctx, key, string(payload))
	if err != nil {
		return err
	}

	if newLen > m.maxQueueSize {
		if err := m.st.ListTrim(ctx, key, newLen-m.maxQueueSize, -1); err != nil {
			return err
		}
		dropped := newLen - m.maxQueueSize
		if m.metrics != nil {
			for i := int64(0); i < dropped; i++ {
				m.metrics.EventsDropped.Inc()
			}
		}
	}

	if m.metrics != nil {
		m.metrics.EventsDelivered.Inc()
	}

	return m.st.Expire(ctx, key, queueTTL)
}

// coalesce removes every queued entry with the same (type, senderId)
// as the incoming event, so only the newest of a high-frequency
// state-overwrite stream is kept (spec §4.3).
func (m *Manager) coalesce(ctx context.Context, key, eventType, senderID string) error {
	entries, err := m.st.ListRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, raw := range entries {
		var env gateway.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			kept = append(kept, raw)
			continue
		}
		if env.Type == eventType && env.SenderID == senderID {
			continue
		}
		kept = append(kept, raw)
	}

	if len(kept) == len(entries) {
		return nil
	}

	if err := m.st.Delete(ctx, key); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	_, err = m.st.ListPush(ctx, key, kept...)
	return err
}

// Drain returns and removes every envelope currently queued for
// subID, oldest first. subscription.Stream tails the in-process bus and
// does not call it; the tests use it to inspect a queue.
func (m *Manager) Drain(ctx context.Context, tenant, topic, subID string) ([]gateway.Envelope, error) {
	key := m.keys.SubscriberQueue(tenant, subID, topic)
	raw, err := m.st.ListRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	if err := m.st.Delete(ctx, key); err != nil {
		return nil, err
	}
	out := make([]gateway.Envelope, 0, len(raw))
	for _, r := range raw {
		var env gateway.Envelope
		if err := json.Unmarshal([]byte(r), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// ReadFromSeq ranges over the durable stream and yields entries whose
// seq >= fromSeq in ascending order, bounded by max (spec §4.3
// "readFromSeq"). Callers whose fromSeq predates the tail's minimum
// simply receive what remains; this is not an error.
func (m *Manager) ReadFromSeq(ctx context.Context, tenant, topic string, fromSeq int64, max int64) ([]gateway.Envelope, error) {
	if max <= 0 {
		max = 1000
	}
	streamKey := m.keys.Stream(tenant, topic)
	entries, err := m.st.StreamRangeFrom(ctx, streamKey, "-", max)
	if err != nil {
		return nil, err
	}

	out := make([]gateway.Envelope, 0, len(entries))
	for _, e := range entries {
		seq, err := strconv.ParseInt(e.Fields["seq"], 10, 64)
		if err != nil || seq < fromSeq {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, e.Fields["ts"])
		out = append(out, gateway.Envelope{
			ID:       e.Fields["id"],
			TenantID: tenant,
			TopicID:  topic,
			SenderID: e.Fields["userId"],
			Type:     e.Fields["type"],
			Data:     gateway.RawJSON(e.Fields["data"]),
			Seq:      seq,
			TS:       ts,
		})
	}
	return out, nil
}

// RecentHistory returns the most recent count envelopes appended to
// {tenant, topic}, oldest first (spec §6 "eventHistory", default
// count 100).
func (m *Manager) RecentHistory(ctx context.Context, tenant, topic string, count int64) ([]gateway.Envelope, error) {
	if count <= 0 {
		count = 100
	}
	streamKey := m.keys.Stream(tenant, topic)
	entries, err := m.st.StreamRangeRecent(ctx, streamKey, count)
	if err != nil {
		return nil, err
	}

	out := make([]gateway.Envelope, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		seq, _ := strconv.ParseInt(e.Fields["seq"], 10, 64)
		ts, _ := time.Parse(time.RFC3339Nano, e.Fields["ts"])
		out = append(out, gateway.Envelope{
			ID:       e.Fields["id"],
			TenantID: tenant,
			TopicID:  topic,
			SenderID: e.Fields["userId"],
			Type:     e.Fields["type"],
			Data:     gateway.RawJSON(e.Fields["data"]),
			Seq:      seq,
			TS:       ts,
		})
	}
	return out, nil
}

// BufferSize reports the number of events currently retained in
// {tenant, topic}'s durable stream (spec §6 "topicStats").
func (m *Manager) BufferSize(ctx context.Context, tenant, topic string) (int64, error) {
	return m.st.StreamLen(ctx, m.keys.Stream(tenant, topic))
}

// Reap scans every topic's subscriber set and removes subscribers that
// are inactive or have exceeded the slow-client threshold (spec §4.3,
// runs every 30s).
func (m *Manager) Reap(ctx context.Context) (int, error) {
	pattern := fmt.Sprintf("%s:topic:*:*:subscribers", m.keys.Prefix)
	topicKeys, err := m.st.KeysByPattern(ctx, pattern)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, tk := range topicKeys {
		tenant, topic, ok := parseTopicSubscribersKey(m.keys.Prefix, tk)
		if !ok {
			continue
		}
		subs, err := m.st.SetMembers(ctx, tk)
		if err != nil {
			continue
		}
		for _, subID := range subs {
			meta, err := m.st.HashGetAll(ctx, m.keys.SubscriberMeta(tenant, subID))
			if err != nil {
				continue
			}
			if shouldReap(meta, m.slowClientThreshold) {
				if err := m.RemoveSubscriber(ctx, tenant, topic, subID); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func shouldReap(meta map[string]string, threshold time.Duration) bool {
	if len(meta) == 0 {
		return true
	}
	if meta["isActive"] == "false" {
		return true
	}
	lastSeenMs, err := strconv.ParseInt(meta["lastSeen"], 10, 64)
	if err != nil {
		return true
	}
	lastSeen := time.UnixMilli(lastSeenMs)
	return time.Since(lastSeen) > threshold
}

func parseTopicSubscribersKey(prefix, key string) (tenant, topic string, ok bool) {
	// {prefix}:topic:{tenant}:{topic}:subscribers
	rest := key[len(prefix)+len(":topic:"):]
	suffix := ":subscribers"
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return "", "", false
	}
	rest = rest[:len(rest)-len(suffix)]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
