package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/hub"
)

// ErrUnauthorized is returned when the server refuses the channel credential.
var ErrUnauthorized = errors.New("unauthorized")

const writeWait = 10 * time.Second

// Config holds common client configuration
type Config struct {
	// ServerURL is the channel endpoint, e.g. ws://localhost:8080/ws
	ServerURL        string
	Token            string
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:        "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
	}
}

// Message is one server push with its payload left encoded.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type request struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

// Client is an open channel. Reads must come from a single goroutine; writes are
// safe from any.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a channel, presenting the token as a bearer credential.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	log.Debug().Str("url", cfg.ServerURL).Msg("Channel opened")

	return &Client{conn: conn}, nil
}

// Next blocks for the next push. A refused credential surfaces as ErrUnauthorized.
func (c *Client) Next() (Message, error) {
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return Message{}, fmt.Errorf("%w: %s", ErrUnauthorized, closeErr.Text)
		}
		return Message{}, err
	}
	return msg, nil
}

func (c *Client) send(msgType, jobID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(request{Type: msgType, JobID: jobID})
}

func (c *Client) Subscribe(jobID string) error {
	return c.send(hub.TypeSubscribeJob, jobID)
}

func (c *Client) Unsubscribe(jobID string) error {
	return c.send(hub.TypeUnsubscribeJob, jobID)
}

func (c *Client) GetJobStatus(jobID string) error {
	return c.send(hub.TypeGetJobStatus, jobID)
}

func (c *Client) GetActiveJobs() error {
	return c.send(hub.TypeGetActiveJobs, "")
}

// Logout asks the server to close the channel.
func (c *Client) Logout() error {
	return c.send(hub.TypeLogout, "")
}

// Close closes the underlying connection without a close handshake.
func (c *Client) Close() error {
	return c.conn.Close()
}
