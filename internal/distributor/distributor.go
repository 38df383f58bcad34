// Package distributor implements component C6: the single long-lived
// cross-replica fan-out consumer. One Distributor per replica holds
// one pattern subscription against the shared store and turns each
// published envelope into durable per-subscriber enqueues plus a
// same-replica broadcast on the in-process bus (spec §4.6).
package distributor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

// Topics is the subset of *topic.Manager the distributor depends on.
type Topics interface {
	Subscribers(ctx context.Context, tenant, topic string) ([]string, error)
	Enqueue(ctx context.Context, tenant, topic, subID string, env *gateway.Envelope) error
	MarkSeen(ctx context.Context, tenant, subID string, active bool) error
}

// Distributor owns the replica's single pattern subscription.
type Distributor struct {
	st        store.Store
	keys      store.Keys
	topics    Topics
	bus       *bus.Bus
	replicaID string
	logger    *zap.Logger

	mu         sync.Mutex
	roundRobin map[string]int // {tenant}:{topic} -> next start index
}

// New builds a Distributor. replicaID identifies this process instance;
// messages whose PubSubMessage.ReplicaID equals it are still enqueued
// but are not re-published onto the local bus.
func New(st store.Store, prefix string, topics Topics, b *bus.Bus, replicaID string, logger *zap.Logger) *Distributor {
	return &Distributor{
		st:         st,
		keys:       store.Keys{Prefix: prefix},
		topics:     topics,
		bus:        b,
		replicaID:  replicaID,
		logger:     logger,
		roundRobin: make(map[string]int),
	}
}

// Run opens the pattern subscription and processes deliveries until
// ctx is canceled. It is meant to run for the lifetime of the process
// in a single goroutine — there is exactly one of these per replica.
func (d *Distributor) Run(ctx context.Context) error {
	sub, err := d.st.PatternSubscribe(ctx, d.keys.PubPattern())
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Distributor) handle(ctx context.Context, msg store.Message) {
	tenant, topicID, ok := parseChannel(d.keys.Prefix, msg.Channel)
	if !ok {
		if d.logger != nil {
			d.logger.Warn("distributor: unparsable channel", zap.String("channel", msg.Channel))
		}
		return
	}

	var wire gateway.PubSubMessage
	if err := json.Unmarshal(msg.Payload, &wire); err != nil {
		if d.logger != nil {
			d.logger.Warn("distributor: undecodable envelope", zap.Error(err), zap.String("channel", msg.Channel))
		}
		return
	}
	env := wire.Envelope

	d.deliver(ctx, tenant, topicID, &env)

	// A replica's own publish already reached its local bus
	// synchronously through internal/publish; forwarding it again here
	// once the store echoes it back would duplicate same-replica
	// delivery, so the origin replica is excluded (spec §4.6).
	if wire.ReplicaID == d.replicaID {
		return
	}
	envelopeJSON, err := json.Marshal(env)
	if err != nil {
		return
	}
	d.bus.Publish(bus.TopicChannel(tenant, topicID), envelopeJSON)
}

func (d *Distributor) deliver(ctx context.Context, tenant, topicID string, env *gateway.Envelope) {
	subs, err := d.topics.Subscribers(ctx, tenant, topicID)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("distributor: list subscribers failed", zap.Error(err), zap.String("tenant", tenant), zap.String("topic", topicID))
		}
		return
	}
	if len(subs) == 0 {
		return
	}

	ordered := d.rotate(tenant, topicID, subs)

	var wg sync.WaitGroup
	for _, subID := range ordered {
		subID := subID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.topics.Enqueue(ctx, tenant, topicID, subID, env); err != nil {
				if d.logger != nil {
					d.logger.Warn("distributor: enqueue failed, marking subscriber inactive", zap.Error(err), zap.String("subscriberId", subID))
				}
				_ = d.topics.MarkSeen(ctx, tenant, subID, false)
			}
		}()
	}
	wg.Wait()
}

// rotate returns subs starting from this {tenant,topic}'s round-robin
// cursor, advancing the cursor for next time so delivery order is fair
// across rounds rather than always favoring the same subscriber first
// (spec §4.6).
func (d *Distributor) rotate(tenant, topicID string, subs []string) []string {
	key := tenant + ":" + topicID

	d.mu.Lock()
	start := d.roundRobin[key] % len(subs)
	d.roundRobin[key] = (start + 1) % len(subs)
	d.mu.Unlock()

	if start == 0 {
		return subs
	}
	out := make([]string, 0, len(subs))
	out = append(out, subs[start:]...)
	out = append(out, subs[:start]...)
	return out
}

func parseChannel(prefix, channel string) (tenant, topicID string, ok bool) {
	// {prefix}:pub:{tenant}:{topic}
	head := prefix + ":pub:"
	if !strings.HasPrefix(channel, head) {
		return "", "", false
	}
	rest := channel[len(head):]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
