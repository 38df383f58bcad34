// Package presence implements component C4: a TTL-refreshed membership
// hash per {tenant, topic} (spec §4.4).
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/odin-gateway/realtime-gateway/internal/store"
)

const ttl = 30 * time.Second

// Presence exposes join/leave/heartbeat/list over the shared store.
type Presence struct {
	st   store.Store
	keys store.Keys
}

// New builds a Presence tracker namespaced under prefix.
func New(st store.Store, prefix string) *Presence {
	return &Presence{st: st, keys: store.Keys{Prefix: prefix}}
}

// Join records userId as present in {tenant, topic} and refreshes the
// whole-hash TTL. Idempotent.
func (p *Presence) Join(ctx context.Context, tenant, topic, userID string) error {
	return p.heartbeat(ctx, tenant, topic, userID)
}

// Heartbeat refreshes userId's last-seen timestamp. Idempotent.
func (p *Presence) Heartbeat(ctx context.Context, tenant, topic, userID string) error {
	return p.heartbeat(ctx, tenant, topic, userID)
}

func (p *Presence) heartbeat(ctx context.Context, tenant, topic, userID string) error {
	key := p.keys.Presence(tenant, topic)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := p.st.HashSet(ctx, key, map[string]interface{}{userID: now}); err != nil {
		return err
	}
	return p.st.Expire(ctx, key, ttl)
}

// Leave removes userId from {tenant, topic}. Idempotent.
func (p *Presence) Leave(ctx context.Context, tenant, topic, userID string) error {
	return p.st.HashDel(ctx, p.keys.Presence(tenant, topic), userID)
}

// List returns every userId currently present in {tenant, topic}.
func (p *Presence) List(ctx context.Context, tenant, topic string) ([]string, error) {
	members, err := p.st.HashGetAll(ctx, p.keys.Presence(tenant, topic))
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(members))
	for user := range members {
		users = append(users, user)
	}
	return users, nil
}
