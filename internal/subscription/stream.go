// Package subscription implements component C8: the per-connection
// state machine that takes a caller from ACL check through optional
// backlog replay into a live tail of new events, and tears down
// cleanly on cancellation (spec §4.8).
package subscription

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
)

// State names the stages of the subscription state machine.
type State string

const (
	StateInit     State = "INIT"
	StateACL      State = "ACL"
	StateRegister State = "REGISTER"
	StateReplay   State = "REPLAY"
	StateTail     State = "TAIL"
	StateCleanup  State = "CLEANUP"
	StateError    State = "ERROR"
)

// Topics is the subset of *topic.Manager the subscription stream
// depends on.
type Topics interface {
	AddSubscriber(ctx context.Context, tenant, topic, subID, userID string) error
	RemoveSubscriber(ctx context.Context, tenant, topic, subID string) error
	ReadFromSeq(ctx context.Context, tenant, topic string, fromSeq int64, max int64) ([]gateway.Envelope, error)
	Drain(ctx context.Context, tenant, topic, subID string) ([]gateway.Envelope, error)
}

// ACL is the subset of *acl.Cache the subscription stream depends on.
type ACL interface {
	CheckTopicAccess(ctx context.Context, principal gateway.Principal, topic string) (bool, error)
}

// Config controls whether replay is offered at all.
type Config struct {
	DurabilityEnabled bool
	MaxReplay         int64 // spec default 1000
}

// Stream drives one subscriber's lifecycle from ACL through cleanup.
type Stream struct {
	topics  Topics
	acl     ACL
	bus     *bus.Bus
	cfg     Config
	metrics *metrics.Registry
	logger  *zap.Logger

	subscriberID string
	tenant       string
	topicID      string
	state        State
}

// New builds a Stream for one subscribe() call. Nothing touches the
// store until Run is invoked.
func New(topics Topics, aclCache ACL, b *bus.Bus, cfg Config, registry *metrics.Registry, logger *zap.Logger) *Stream {
	if cfg.MaxReplay <= 0 {
		cfg.MaxReplay = 1000
	}
	return &Stream{topics: topics, acl: aclCache, bus: b, cfg: cfg, metrics: registry, logger: logger, state: StateInit}
}

func (s *Stream) fail(err error) error {
	if s.metrics != nil {
		s.metrics.RecordError(string(gateway.KindOf(err)))
	}
	return err
}

// State reports the stream's current stage, useful for tests and
// diagnostics.
func (s *Stream) State() State { return s.state }

// Run executes INIT -> ACL -> REGISTER -> REPLAY? -> TAIL, delivering
// every envelope (backlog, then live) to deliver, until ctx is
// canceled or deliver returns an error. The cleanup step (subscriber
// removal) always runs before Run returns, whatever the exit reason; a
// stream that failed stays in StateError, otherwise it ends in
// StateCleanup.
func (s *Stream) Run(ctx context.Context, principal gateway.Principal, in gateway.SubscribeInput, deliver func(gateway.Envelope) error) error {
	s.tenant = principal.TenantID
	s.topicID = in.TopicID
	s.subscriberID = uuid.NewString()

	defer s.cleanup(context.Background())

	s.state = StateACL
	allowed, err := s.acl.CheckTopicAccess(ctx, principal, in.TopicID)
	if err != nil {
		s.state = StateError
		return s.fail(gateway.ErrInternal(err))
	}
	if !allowed {
		s.state = StateError
		return s.fail(gateway.ErrAccessDenied())
	}

	s.state = StateRegister
	if err := s.topics.AddSubscriber(ctx, s.tenant, s.topicID, s.subscriberID, principal.UserID); err != nil {
		s.state = StateError
		return s.fail(gateway.ErrStoreUnavailable(err))
	}

	sub := s.bus.Subscribe(bus.TopicChannel(s.tenant, s.topicID), 64)
	defer sub.Close()

	if in.FromSeq > 0 && s.cfg.DurabilityEnabled {
		s.state = StateReplay
		backlog, err := s.topics.ReadFromSeq(ctx, s.tenant, s.topicID, in.FromSeq, s.cfg.MaxReplay)
		if err != nil {
			s.state = StateError
			return s.fail(gateway.ErrStoreUnavailable(err))
		}
		for _, env := range backlog {
			if err := deliver(env); err != nil {
				s.state = StateError
				return err
			}
		}
	}

	s.state = StateTail
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.C():
			if !ok {
				return nil
			}
			var env gateway.Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				if s.logger != nil {
					s.logger.Warn("subscription: undecodable bus payload", zap.Error(err))
				}
				continue
			}
			if err := deliver(env); err != nil {
				s.state = StateError
				return err
			}
		}
	}
}

func (s *Stream) cleanup(ctx context.Context) {
	if s.state != StateError {
		s.state = StateCleanup
	}
	if s.subscriberID == "" {
		return
	}
	if err := s.topics.RemoveSubscriber(ctx, s.tenant, s.topicID, s.subscriberID); err != nil && s.logger != nil {
		s.logger.Warn("subscription: cleanup failed", zap.Error(err), zap.String("subscriberId", s.subscriberID))
	}
}

// SubscriberID returns the id assigned to this stream once Run has
// started, for callers that need to correlate out-of-band (e.g. the
// durable per-subscriber queue drained by a transport adapter that
// polls instead of tailing the bus directly).
func (s *Stream) SubscriberID() string {
	return s.subscriberID
}
