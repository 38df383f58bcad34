// Package transport is the illustrative HTTP and WebSocket façade over
// the event plane (spec §6): a thin adapter translating wire requests
// into calls against internal/publish, internal/subscription, and
// internal/presence. Production deployments are expected to bring
// their own transport; this one exists so the event plane is reachable
// end-to-end.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/odin-gateway/realtime-gateway/internal/auth"
	"github.com/odin-gateway/realtime-gateway/internal/bus"
	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/presence"
	"github.com/odin-gateway/realtime-gateway/internal/publish"
	"github.com/odin-gateway/realtime-gateway/internal/subscription"
	"github.com/odin-gateway/realtime-gateway/internal/topic"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536 + 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP+WebSocket adapter.
type Server struct {
	httpServer *http.Server
	authMgr    *auth.Manager
	publisher  *publish.Path
	topics     *topic.Manager
	presence   *presence.Presence
	streamCfg  subscription.Config
	acl        subscription.ACL
	bus        *bus.Bus
	metrics    *metrics.Registry
	logger     *zap.Logger

	connAdmission *connAdmissionLimiter
}

// connAdmissionLimiter throttles how often a single user may open a
// new WebSocket connection, independent of the per-user publish rate
// limit enforced inside internal/ratelimit: that one guards the
// durable store, this one guards local upgrade/handshake cost before a
// connection ever reaches the event plane.
type connAdmissionLimiter struct {
	mu      sync.Mutex
	perUser map[string]*rate.Limiter
}

func newConnAdmissionLimiter() *connAdmissionLimiter {
	return &connAdmissionLimiter{perUser: make(map[string]*rate.Limiter)}
}

func (c *connAdmissionLimiter) allow(userID string) bool {
	c.mu.Lock()
	lim, ok := c.perUser[userID]
	if !ok {
		// 5 new connections per minute, burst of 2.
		lim = rate.NewLimiter(rate.Every(12*time.Second), 2)
		c.perUser[userID] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

// Options configures the HTTP server.
type Options struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds a Server. acl and streamCfg feed subscription.Stream
// construction per WebSocket connection.
func New(opts Options, authMgr *auth.Manager, publisher *publish.Path, topics *topic.Manager, pres *presence.Presence, streamCfg subscription.Config, aclCache subscription.ACL, b *bus.Bus, registry *metrics.Registry, logger *zap.Logger) *Server {
	s := &Server{
		authMgr:       authMgr,
		publisher:     publisher,
		topics:        topics,
		presence:      pres,
		streamCfg:     streamCfg,
		acl:           aclCache,
		bus:           b,
		metrics:       registry,
		logger:        logger,
		connAdmission: newConnAdmissionLimiter(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publish", s.authMgr.Middleware(s.handlePublish))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/presence/join", s.authMgr.Middleware(s.handlePresenceJoin))
	mux.HandleFunc("/v1/presence/leave", s.authMgr.Middleware(s.handlePresenceLeave))
	mux.HandleFunc("/v1/presence/heartbeat", s.authMgr.Middleware(s.handlePresenceHeartbeat))
	mux.HandleFunc("/v1/topics/", s.authMgr.Middleware(s.handleTopicsPath))
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", orStr(opts.Host, "0.0.0.0"), orInt(opts.Port, 8080)),
		Handler:      corsMiddleware(mux),
		ReadTimeout:  orDur(opts.ReadTimeout, 10*time.Second),
		WriteTimeout: orDur(opts.WriteTimeout, 10*time.Second),
	}
	return s
}

// ListenAndServe runs the HTTP server until it is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var in gateway.PublishInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	env, err := s.publisher.Publish(r.Context(), principal, in)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePresenceJoin(w http.ResponseWriter, r *http.Request) {
	s.handlePresenceOp(w, r, s.presence.Join)
}

func (s *Server) handlePresenceLeave(w http.ResponseWriter, r *http.Request) {
	s.handlePresenceOp(w, r, s.presence.Leave)
}

func (s *Server) handlePresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.handlePresenceOp(w, r, s.presence.Heartbeat)
}

func (s *Server) handlePresenceOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string, string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		TopicID string `json:"topicId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), principal.TenantID, body.TopicID, principal.UserID); err != nil {
		writeGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTopicsPath dispatches the two GET /v1/topics/{id}/... operations
// of spec §6 (topicStats, eventHistory). Both take the topic id as a
// path segment, matching the manual prefix/segment parsing the rest of
// this file uses rather than a wildcard mux pattern.
func (s *Server) handleTopicsPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/topics/")
	topicID, op, ok := splitTrailingSegment(rest)
	if !ok || topicID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch op {
	case "stats":
		s.handleTopicStats(w, r, topicID)
	case "history":
		s.handleTopicHistory(w, r, topicID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// splitTrailingSegment splits "{id}/{op}" into id and op.
func splitTrailingSegment(path string) (id, op string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// handleTopicStats implements topicStats(principal, {topicId}) →
// {subscriberCount, bufferSize} (spec §6).
func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request, topicID string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	subs, err := s.topics.Subscribers(r.Context(), principal.TenantID, topicID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	bufferSize, err := s.topics.BufferSize(r.Context(), principal.TenantID, topicID)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"subscriberCount": int64(len(subs)),
		"bufferSize":      bufferSize,
	})
}

// handleTopicHistory implements eventHistory(principal, {topicId,
// count=100}) → [envelope] (spec §6): the most recent count events,
// oldest first. fromSeq-based replay from an arbitrary cursor belongs
// to subscribe, not this operation.
func (s *Server) handleTopicHistory(w http.ResponseWriter, r *http.Request, topicID string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	count := int64(100)
	if raw := r.URL.Query().Get("count"); raw != "" {
		fmt.Sscanf(raw, "%d", &count)
	}

	entries, err := s.topics.RecentHistory(r.Context(), principal.TenantID, topicID, count)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authMgr.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	topicID := r.URL.Query().Get("topicId")
	if topicID == "" {
		http.Error(w, "topicId query parameter is required", http.StatusBadRequest)
		return
	}
	var fromSeq int64
	if raw := r.URL.Query().Get("fromSeq"); raw != "" {
		fmt.Sscanf(raw, "%d", &fromSeq)
	}

	if !s.connAdmission.allow(principal.UserID) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	newConnection(s, conn, principal, topicID, fromSeq).run()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gateway.KindOf(err) {
	case gateway.KindUnauthorized:
		status = http.StatusUnauthorized
	case gateway.KindAccessDenied:
		status = http.StatusForbidden
	case gateway.KindRateLimited:
		status = http.StatusTooManyRequests
	case gateway.KindInvalidInput:
		status = http.StatusBadRequest
	case gateway.KindPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case gateway.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func orStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orDur(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
