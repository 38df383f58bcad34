// Package publish implements component C9: the publish path that
// validates a caller's PublishInput, runs rate limiting and access
// control, assigns the envelope its identity, appends it through the
// topic manager, and fans it out to same-replica subscribers over the
// in-process bus before the store round-trip to the distributor
// returns (spec §4.9).
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/ratelimit"
)

// Topics is the subset of *topic.Manager the publish path depends on.
type Topics interface {
	Append(ctx context.Context, env *gateway.Envelope) error
}

// ACL is the subset of *acl.Cache the publish path depends on.
type ACL interface {
	CheckTopicAccess(ctx context.Context, principal gateway.Principal, topic string) (bool, error)
}

// RateLimiter is the subset of *ratelimit.Limiter the publish path
// depends on.
type RateLimiter interface {
	Check(ctx context.Context, scope ratelimit.Scope) (ratelimit.Result, error)
}

// Config holds the rate-limit and payload settings the publish path
// enforces.
type Config struct {
	Prefix              string
	MaxPayloadBytes     int
	UserActionWindow    time.Duration
	UserActionLimit     int64
	TenantTopicWindow   time.Duration
	TenantTopicLimit    int64
	GlobalWindow        time.Duration
	GlobalLimit         int64
}

// Path wires validation, rate limiting, access control, and durable
// append into the single publishEvent operation of spec §4.9.
type Path struct {
	topics  Topics
	acl     ACL
	limiter RateLimiter
	bus     *bus.Bus
	cfg     Config
	metrics *metrics.Registry
	logger  *zap.Logger

	inputFreq *inputFrequencyGuard
}

// New builds a Path.
func New(topics Topics, aclCache ACL, limiter RateLimiter, b *bus.Bus, cfg Config, registry *metrics.Registry, logger *zap.Logger) *Path {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = maxPayloadBytesDefault
	}
	return &Path{
		topics:    topics,
		acl:       aclCache,
		limiter:   limiter,
		bus:       b,
		cfg:       cfg,
		metrics:   registry,
		logger:    logger,
		inputFreq: newInputFrequencyGuard(),
	}
}

// inputFrequencyGuard is the replica-local per-user input-frequency
// check (spec §4.9 step 3): 50 events/min, independent of and ahead of
// the store-backed rate limiter, so a single user cannot spin the
// store round-trip just to get rate-limited by it.
type inputFrequencyGuard struct {
	mu      sync.Mutex
	perUser map[string]*rate.Limiter
}

func newInputFrequencyGuard() *inputFrequencyGuard {
	return &inputFrequencyGuard{perUser: make(map[string]*rate.Limiter)}
}

func (g *inputFrequencyGuard) allow(userID string) bool {
	g.mu.Lock()
	lim, ok := g.perUser[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/50), 50)
		g.perUser[userID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// Publish runs the full publishEvent pipeline and returns the
// resulting envelope on success.
func (p *Path) Publish(ctx context.Context, principal gateway.Principal, in gateway.PublishInput) (*gateway.Envelope, error) {
	if principal.UserID == "" || principal.TenantID == "" {
		return nil, p.fail(gateway.ErrUnauthorized())
	}

	if err := validateStructure(in, p.cfg.MaxPayloadBytes); err != nil {
		return nil, p.fail(err)
	}

	if !p.inputFreq.allow(principal.UserID) {
		return nil, p.fail(gateway.ErrRateLimited(time.Now().Add(time.Minute)))
	}

	if err := p.checkRateLimits(ctx, principal, in.TopicID); err != nil {
		return nil, p.fail(err)
	}

	allowed, err := p.acl.CheckTopicAccess(ctx, principal, in.TopicID)
	if err != nil {
		return nil, p.fail(gateway.ErrInternal(err))
	}
	if !allowed {
		return nil, p.fail(gateway.ErrAccessDenied())
	}

	env := &gateway.Envelope{
		ID:       uuid.NewString(),
		TopicID:  in.TopicID,
		TenantID: principal.TenantID,
		SenderID: principal.UserID,
		Type:     in.Type,
		Data:     in.Data,
		TS:       time.Now().UTC(),
		Priority: in.Priority,
	}

	if err := p.topics.Append(ctx, env); err != nil {
		return nil, p.fail(err)
	}

	if payload, err := json.Marshal(env); err == nil {
		p.bus.Publish(bus.TopicChannel(env.TenantID, env.TopicID), payload)
	}

	return env, nil
}

// fail records err's kind against the errors.total counter (spec §7)
// before returning it, so every exit from the publish pipeline is
// observable regardless of which step rejected the call.
func (p *Path) fail(err error) error {
	if p.metrics != nil {
		p.metrics.RecordError(string(gateway.KindOf(err)))
	}
	return err
}

func (p *Path) checkRateLimits(ctx context.Context, principal gateway.Principal, topicID string) error {
	userScope := ratelimit.UserActionScope(principal.UserID, "publish", orDefault(p.cfg.UserActionWindow, time.Minute), orDefaultInt(p.cfg.UserActionLimit, 100))
	res, err := p.limiter.Check(ctx, userScope)
	if err != nil {
		return gateway.ErrInternal(err)
	}
	if !res.Allowed {
		return gateway.ErrRateLimited(res.ResetTime)
	}

	topicScope := ratelimit.TenantTopicScope(p.cfg.Prefix, principal.TenantID, topicID, orDefault(p.cfg.TenantTopicWindow, time.Minute), orDefaultInt(p.cfg.TenantTopicLimit, 1000))
	res, err = p.limiter.Check(ctx, topicScope)
	if err != nil {
		return gateway.ErrInternal(err)
	}
	if !res.Allowed {
		return gateway.ErrRateLimited(res.ResetTime)
	}

	globalScope := ratelimit.GlobalScope(orDefault(p.cfg.GlobalWindow, time.Minute), orDefaultInt(p.cfg.GlobalLimit, 100000))
	res, err = p.limiter.Check(ctx, globalScope)
	if err != nil {
		return gateway.ErrInternal(err)
	}
	if !res.Allowed {
		return gateway.ErrRateLimited(res.ResetTime)
	}

	return nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(v, fallback int64) int64 {
	if v <= 0 {
		return fallback
	}
	return v
}
