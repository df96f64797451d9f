package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/presence"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/relay"
)

var (
	errClientClosed = errors.New("client closed")
	errBufferFull   = errors.New("send buffer full")
)

// Signaling serves the control-plane websocket: one Client per connection,
// registered by identity, with routed frames handed to the relay.
type Signaling struct {
	cfg         config.SignalingConfig
	requireAuth bool

	registry *registry.Registry
	presence *presence.Broadcaster
	relay    *relay.Relay

	upgrader websocket.Upgrader
}

func NewSignaling(cfg config.SignalingConfig, requireAuth bool, reg *registry.Registry, pres *presence.Broadcaster, rel *relay.Relay) *Signaling {
	return &Signaling{
		cfg:         cfg,
		requireAuth: requireAuth,
		registry:    reg,
		presence:    pres,
		relay:       rel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// Client is one websocket connection. It satisfies registry.Conn.
type Client struct {
	id       string
	authUser string
	conn     *websocket.Conn
	cfg      config.SignalingConfig

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// Owned by readPump.
	identity string
}

func (c *Client) ID() string { return c.id }

// Send queues msg without blocking. A full queue drops the frame.
func (c *Client) Send(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// Close flushes queued frames, then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(msg models.SignalMessage) {
	if err := c.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "signaling").Str("conn", c.id).Str("type", string(msg.Type)).
			Msg("reply dropped")
	}
}

// Handle upgrades the request and starts the connection's pumps.
func (s *Signaling) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "signaling").Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		authUser: c.GetString(middleware.UserIDKey),
		conn:     conn,
		cfg:      s.cfg,
		send:     make(chan []byte, s.cfg.SendBuffer),
	}
	log.Debug().Str("module", "signaling").Str("conn", client.id).Str("remote", conn.RemoteAddr().String()).
		Msg("connection opened")

	go client.writePump()
	go s.readPump(client)
}

func (s *Signaling) readPump(c *Client) {
	defer func() {
		s.registry.Unregister(c)
		if c.identity != "" {
			// A newer connection for the same identity keeps its budget.
			if _, still := s.registry.Lookup(c.identity); !still {
				s.relay.Forget(c.identity)
			}
		}
		c.Close()
		log.Info().Str("module", "signaling").Str("conn", c.id).Str("identity", c.identity).Msg("connection closed")
	}()

	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signaling").Str("conn", c.id).Msg("websocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("conn", c.id).Msg("failed to parse message")
			c.reply(models.CallError(models.ReasonBadPayload, ""))
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Signaling) dispatch(c *Client, msg models.SignalMessage) {
	switch {
	case msg.Type == models.TypeRegister:
		s.register(c, msg.UserID)
	case msg.Type == models.TypeGetOnlineUsers:
		if err := s.presence.SendCurrent(c); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("conn", c.id).Msg("online-users reply dropped")
		}
	case msg.Type.Routed():
		s.route(c, msg)
	default:
		log.Warn().Str("module", "signaling").Str("conn", c.id).Str("type", string(msg.Type)).Msg("unknown message type")
		c.reply(models.CallError(models.ReasonBadPayload, ""))
	}
}

func (s *Signaling) register(c *Client, identity string) {
	if identity == "" {
		c.reply(models.CallError(models.ReasonBadPayload, ""))
		return
	}
	if s.requireAuth && identity != c.authUser {
		log.Warn().Str("module", "signaling").Str("conn", c.id).Str("identity", identity).
			Str("token_user", c.authUser).Msg("register refused: identity does not match token")
		c.reply(models.CallError(models.ReasonNotAuthorized, ""))
		return
	}

	// Ack before the registry publishes presence so clients see registered first.
	c.reply(models.SignalMessage{Type: models.TypeRegistered, UserID: identity})

	evicted, err := s.registry.Register(identity, c)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Str("conn", c.id).Msg("register failed")
		c.Close()
		return
	}
	c.identity = identity

	if evicted != nil {
		log.Info().Str("module", "signaling").Str("identity", identity).Str("old_conn", evicted.ID()).
			Str("new_conn", c.id).Msg("older connection replaced")
		_ = evicted.Send(models.CallError(models.ReasonReplaced, ""))
		evicted.Close()
	}
}

func (s *Signaling) route(c *Client, msg models.SignalMessage) {
	// The registry, not the client, says who may send: an evicted connection
	// can still have frames in flight.
	identity, ok := s.registry.IdentityOf(c)
	if !ok {
		c.reply(models.CallError(models.ReasonNotRegistered, msg.To))
		return
	}
	if !validKind(msg) {
		c.reply(models.CallError(models.ReasonBadPayload, msg.To))
		return
	}
	if err := s.relay.Forward(identity, msg); err != nil {
		log.Debug().Err(err).Str("module", "signaling").Str("from", identity).Str("to", msg.To).
			Str("type", string(msg.Type)).Msg("forward failed")
		c.reply(models.CallError(relay.Reason(err), msg.To))
	}
}

func validKind(msg models.SignalMessage) bool {
	switch msg.Type {
	case models.TypeCallRequest:
		return models.CallKind(msg.Kind).Valid()
	case models.TypeSignal:
		return models.SignalKind(msg.Kind).Valid()
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("module", "signaling").Str("conn", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
