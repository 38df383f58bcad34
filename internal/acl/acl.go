// Package acl implements component C5: a short-TTL cache of access
// decisions in front of an external ACL source, fail-open in
// non-production and fail-closed in production (spec §4.5).
package acl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/breaker"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

// Source is the external ACL collaborator referenced, not implemented,
// by spec §1 ("Topic ACL storage... a cacheable checkTopicAccess call").
type Source interface {
	CheckTopicAccess(ctx context.Context, principal gateway.Principal, topic string) (bool, error)
}

// Cache wraps Source with a TTL cache backed by the shared store.
type Cache struct {
	st          store.Store
	keys        store.Keys
	source      Source
	ttl         time.Duration
	production  bool
	br          *breaker.Breaker
	metrics     *metrics.Registry
	logger      *zap.Logger
}

// Config configures the cache's fail-open/fail-closed policy.
type Config struct {
	TTL         time.Duration
	Production  bool // true denies access when the source errors or the breaker is open
}

// New builds a Cache. With Production set, the cache always fails
// closed; no Config value enables fail-open there, so New performs no
// extra validation and its returned error is always nil.
func New(st store.Store, prefix string, source Source, cfg Config, registry *metrics.Registry, logger *zap.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	c := &Cache{
		st:         st,
		keys:       store.Keys{Prefix: prefix},
		source:     source,
		ttl:        cfg.TTL,
		production: cfg.Production,
		metrics:    registry,
		logger:     logger,
	}
	c.br = breaker.New(func(isOpen bool) {
		if registry != nil {
			if isOpen {
				registry.ACLBreakerOpen.Set(1)
			} else {
				registry.ACLBreakerOpen.Set(0)
			}
		}
	})
	return c, nil
}

// CheckTopicAccess returns whether principal may access topic,
// consulting the cache first and falling back to the external source.
func (c *Cache) CheckTopicAccess(ctx context.Context, principal gateway.Principal, topic string) (bool, error) {
	key := c.keys.ACL(topic, principal.UserID)

	if cached, ok, err := c.lookup(ctx, key); err == nil && ok {
		return cached, nil
	}

	if !c.br.Allow() {
		return c.failurePolicy(nil), nil
	}

	allowed, err := c.source.CheckTopicAccess(ctx, principal, topic)
	if err != nil {
		c.br.Failure()
		if c.logger != nil {
			c.logger.Warn("acl source error", zap.Error(err), zap.String("topic", topic), zap.String("userId", principal.UserID))
		}
		return c.failurePolicy(err), nil
	}
	c.br.Success()

	c.store(ctx, key, allowed)
	return allowed, nil
}

func (c *Cache) failurePolicy(_ error) bool {
	return !c.production
}

func (c *Cache) lookup(ctx context.Context, key string) (bool, bool, error) {
	v, found, err := c.st.StringGet(ctx, key)
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, false, nil
	}
	return v == "1", true, nil
}

func (c *Cache) store(ctx context.Context, key string, allowed bool) {
	v := "0"
	if allowed {
		v = "1"
	}
	_ = c.st.StringSet(ctx, key, v, c.ttl)
}
