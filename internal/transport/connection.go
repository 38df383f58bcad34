package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
	"github.com/odin-gateway/realtime-gateway/internal/subscription"
)

// connection is one upgraded WebSocket, grounded on the teacher's
// client/hub read-pump and write-pump split: a dedicated writer
// goroutine owns the socket so concurrent deliveries never race on a
// single gorilla/websocket connection.
type connection struct {
	srv       *Server
	conn      *websocket.Conn
	principal gateway.Principal
	topicID   string
	fromSeq   int64
	send      chan []byte
	logger    *zap.Logger
}

func newConnection(srv *Server, conn *websocket.Conn, principal gateway.Principal, topicID string, fromSeq int64) *connection {
	return &connection{
		srv:       srv,
		conn:      conn,
		principal: principal,
		topicID:   topicID,
		fromSeq:   fromSeq,
		send:      make(chan []byte, 64),
		logger:    srv.logger,
	}
}

func (c *connection) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.conn.Close()

	stream := subscription.New(c.srv.topics, c.srv.acl, c.srv.bus, c.srv.streamCfg, c.srv.metrics, c.logger)

	go c.writePump(ctx)

	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, c.principal, gateway.SubscribeInput{TopicID: c.topicID, FromSeq: c.fromSeq}, func(env gateway.Envelope) error {
			payload, err := json.Marshal(env)
			if err != nil {
				return nil
			}
			select {
			case c.send <- payload:
			case <-ctx.Done():
			default:
				// Slow consumer: the durable per-subscriber queue in
				// internal/topic is the authoritative backpressure
				// path; this socket simply drops the live tail
				// delivery rather than blocking the subscription.
			}
			return nil
		})
	}()

	c.readPump(cancel)
	<-done
}

// readPump drains control frames (pings, close) until the peer
// disconnects; this transport is deliver-only over the WebSocket, so
// inbound application messages are not accepted here — publishing goes
// through POST /v1/publish.
func (c *connection) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
