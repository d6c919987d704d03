package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/auth"
	httpmiddleware "github.com/wolfeidau/simstream/internal/http"
	"github.com/wolfeidau/simstream/internal/hub"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Client frames are small requests.
	maxMessageSize = 4 * 1024
)

// Channel is the part of the hub the WebSocket transport drives.
type Channel interface {
	Open(ctx context.Context, identity models.Identity, sender hub.Sender) *hub.Connection
	Close(ctx context.Context, connID, reason string)
	Handle(ctx context.Context, connID string, in hub.Inbound) bool
	SendError(ctx context.Context, connID, message, requestType string)
}

// ChannelConfig tunes per-connection behaviour.
type ChannelConfig struct {
	// SendBuffer bounds pushes waiting for a slow client. Default: 64
	SendBuffer int
	// MessageRate and MessageBurst limit client requests. Default: 20/s, burst 40
	MessageRate  float64
	MessageBurst int
	// PongWait is how long a client may stay silent. Default: 60s
	PongWait time.Duration
	// PingPeriod must be less than PongWait. Default: 9/10 of PongWait
	PingPeriod time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ChannelConfig) ApplyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 20
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 40
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
}

// sender is the bounded outbound queue of one connection.
type sender struct {
	mu     sync.Mutex
	ch     chan hub.Message
	closed bool
}

func newSender(size int) *sender {
	return &sender{ch: make(chan hub.Message, size)}
}

// Enqueue never blocks: a full buffer or closed sender drops msg.
func (s *sender) Enqueue(msg hub.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ChannelHandler upgrades authenticated requests to WebSocket channels.
type ChannelHandler struct {
	channel  Channel
	auth     *auth.Authenticator
	cfg      ChannelConfig
	upgrader websocket.Upgrader
}

// NewChannelHandler creates the handler. A nil checkOrigin applies the upgrader's
// same-origin check.
func NewChannelHandler(channel Channel, authenticator *auth.Authenticator, cfg ChannelConfig, checkOrigin func(*http.Request) bool) *ChannelHandler {
	cfg.ApplyDefaults()
	return &ChannelHandler{
		channel: channel,
		auth:    authenticator,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := h.auth.Authenticate(auth.CredentialFromRequest(r))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		log.Warn().Err(err).Str("client_ip", httpmiddleware.ClientIPFromContext(r.Context())).Msg("WebSocket upgrade failed")
		return
	}

	// Refused after the upgrade so browser clients can read the close reason.
	if authErr != nil {
		telemetry.GetMetrics().AuthFailuresTotal.Add(r.Context(), 1)
		log.Warn().Err(authErr).Str("client_ip", httpmiddleware.ClientIPFromContext(r.Context())).Msg("Channel authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		conn:    conn,
		channel: h.channel,
		cfg:     h.cfg,
		sender:  newSender(h.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
	}
	s.id = h.channel.Open(ctx, identity, s.sender).ID

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(ctx)
	}()

	reason := s.readLoop(ctx)
	h.channel.Close(ctx, s.id, reason)
	<-written
}

// session is one open channel. The read loop owns inbound handling, the write pump
// owns every write to conn.
type session struct {
	id      string
	conn    *websocket.Conn
	channel Channel
	cfg     ChannelConfig
	sender  *sender
	limiter *rate.Limiter
}

func (s *session) readLoop(ctx context.Context) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn_id", s.id).Interface("panic", r).Msg("Recovered from panic in channel read loop")
			reason = "internal error"
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", s.id).Msg("Channel read error")
			}
			return "disconnected"
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if !s.limiter.Allow() {
			s.channel.SendError(ctx, s.id, "rate limit exceeded", "")
			continue
		}

		in, err := DecodeFrame(data)
		if err != nil {
			log.Debug().Err(err).Str("conn_id", s.id).Msg("Rejected client frame")
			s.channel.SendError(ctx, s.id, ErrInvalidMessage.Error(), in.Type)
			continue
		}

		if s.channel.Handle(ctx, s.id, in) {
			return "logout"
		}
	}
}

// writePump drains the sender until it is closed, pinging on every period.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.sender.ch:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					log.Debug().Err(err).Str("conn_id", s.id).Msg("Channel write failed")
				}
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}
