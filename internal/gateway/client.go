package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agenthub/internal/bus"
	"github.com/nextlevelbuilder/agenthub/internal/hub"
	"github.com/nextlevelbuilder/agenthub/pkg/protocol"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 * 1024
	sendBuffer    = hub.DefaultBuffer
)

// client is one attached subscriber. The read goroutine owns sub and
// tenant; the write pump only drains the send channel.
type client struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	send      chan protocol.ServerFrame
	closeOnce sync.Once
	done      chan struct{}

	sub    *hub.Subscription
	tenant string
	unsub  atomic.Bool
	feedWG sync.WaitGroup
}

func newClient(conn *websocket.Conn, srv *Server) *client {
	id := uuid.Must(uuid.NewV7()).String()
	return &client{
		id:   id,
		conn: conn,
		srv:  srv,
		log:  srv.log.With("client", id),
		send: make(chan protocol.ServerFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

// run drives the connection until either side hangs up. The feed
// goroutine is detached before run returns so it never writes to a
// drained send channel.
func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
	c.close()
	c.detach()
	c.feedWG.Wait()
}

func (c *client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.log.Warn("gateway.read_failed", "error", err)
			}
			return
		}
		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame: " + err.Error())
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *client) handleFrame(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.FrameSubscribe:
		c.handleSubscribe(ctx, frame.Subscribe)
	case protocol.FrameUnsubscribe:
		c.detach()
	case protocol.FrameAuthSubmit:
		c.handleAuthSubmit(ctx, frame.AuthSubmit)
	case protocol.FramePing:
		c.enqueue(protocol.ServerFrame{Type: protocol.FramePong})
	default:
		c.sendError("unknown frame type: " + frame.Type)
	}
}

// handleSubscribe binds the connection to a tenant. The hub buffers
// events from the moment Subscribe returns, so computing the snapshot
// afterwards loses nothing; the snapshot frame is enqueued before the
// feed starts and therefore always reaches the wire first.
func (c *client) handleSubscribe(ctx context.Context, p *protocol.SubscribePayload) {
	if p == nil || p.Tenant == "" {
		c.sendError("subscribe requires a tenant binding")
		return
	}
	if c.sub != nil {
		c.sendError("already subscribed")
		return
	}
	sub, err := c.srv.deps.Hub.Subscribe(p.Tenant, p.Filters)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	snap, err := c.srv.deps.Hub.Snapshot(ctx, p.Tenant, p.Filters)
	if err != nil {
		sub.Close()
		c.sendError(err.Error())
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		sub.Close()
		c.sendError(err.Error())
		return
	}
	c.sub = sub
	c.tenant = p.Tenant
	c.unsub.Store(false)
	c.enqueue(protocol.ServerFrame{Type: protocol.FrameSnapshot, Payload: payload})
	c.feedWG.Add(1)
	go c.feed(sub)
	c.log.Info("gateway.subscribed", "tenant", p.Tenant, "filters", len(p.Filters))
}

func (c *client) handleAuthSubmit(ctx context.Context, p *protocol.AuthSubmitPayload) {
	if p == nil || p.AgentID == "" {
		c.sendError("authSubmit requires an agentId")
		return
	}
	if c.tenant == "" {
		c.sendError("subscribe before submitting credentials")
		return
	}
	sup, err := c.srv.deps.Registry.Get(c.tenant, p.AgentID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := sup.SubmitAuth(ctx, bus.AuthKind(p.Kind), p.Value); err != nil {
		c.sendError(err.Error())
		return
	}
	// The supervisor publishes the resulting status and prompt frames;
	// nothing to acknowledge here.
}

// detach tears down the current subscription. Safe to call with none.
func (c *client) detach() {
	if c.sub == nil {
		return
	}
	c.unsub.Store(true)
	c.sub.Close()
	c.sub = nil
	c.tenant = ""
}

// feed forwards hub events to the send channel. The hub closes the
// subscription channel both on Close and when it drops a slow
// subscriber, so the range always terminates.
func (c *client) feed(sub *hub.Subscription) {
	defer c.feedWG.Done()
	for env := range sub.C() {
		c.enqueue(env.Frame)
	}
	if !c.unsub.Load() {
		// The hub cut us off: slow consumer or shutdown.
		c.close()
	}
}

func (c *client) enqueue(frame protocol.ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn("gateway.client_overflow")
		c.close()
	}
}

func (c *client) sendError(msg string) {
	c.enqueue(protocol.ServerFrame{Type: protocol.FrameError, Error: msg})
}

// writePump is the sole writer on the connection. Closing done makes it
// send a close frame and drop the conn, which unblocks the read loop.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
