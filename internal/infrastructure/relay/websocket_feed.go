package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/retry"
)

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	writeWait = 10 * time.Second
)

// ErrJoinRejected is returned when the realtime server refuses the channel join.
var ErrJoinRejected = errors.New("signal feed join rejected")

// FeedConfig configures the realtime change feed client.
type FeedConfig struct {
	URL          string
	APIKey       string
	Token        string
	Schema       string
	Table        string
	PingInterval time.Duration
	PongTimeout  time.Duration
	Reconnect    retry.Config
}

// channelMessage is the realtime server's frame.
type channelMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type changePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

// WebSocketFeed streams the signals table rows addressed to one user over the
// realtime websocket.
type WebSocketFeed struct {
	cfg    FeedConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

var _ ports.SignalFeed = (*WebSocketFeed)(nil)

func NewWebSocketFeed(cfg FeedConfig, logger *zap.SugaredLogger) *WebSocketFeed {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Table == "" {
		cfg.Table = "signals"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	return &WebSocketFeed{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeWait,
		},
		logger: logger,
	}
}

// Subscribe connects and joins the user's channel before returning. Later
// disconnects are retried in the background until ctx ends or Unsubscribe
// is called.
func (f *WebSocketFeed) Subscribe(ctx context.Context, user domain.UserID, handler func(domain.InboundSignal)) (ports.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{
		feed:    f,
		user:    user,
		handler: handler,
		cancel:  cancel,
		logger:  f.logger.With("user_id", user),
	}

	conn, err := retry.RetryWithResult(subCtx, f.cfg.Reconnect, func() (*websocket.Conn, error) {
		return sub.connect(subCtx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to signal feed: %w", err)
	}

	go sub.run(subCtx, conn)
	return sub, nil
}

func (f *WebSocketFeed) endpoint() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid feed url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if f.cfg.APIKey != "" {
		q.Set("apikey", f.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func topicFor(user domain.UserID) string {
	return "realtime:signals:" + string(user)
}

type feedSubscription struct {
	feed    *WebSocketFeed
	user    domain.UserID
	handler func(domain.InboundSignal)
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger
	ref     atomic.Uint64
}

func (s *feedSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}

func (s *feedSubscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// connect dials and joins. A rejected join or handshake is permanent.
func (s *feedSubscription) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := s.feed.endpoint()
	if err != nil {
		return nil, retry.Permanent(err)
	}

	conn, resp, err := s.feed.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(fmt.Errorf("feed handshake: %w", &StatusError{StatusCode: resp.StatusCode}))
		}
		return nil, fmt.Errorf("failed to dial signal feed: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var join joinPayload
	join.Config.PostgresChanges = []changeFilter{{
		Event:  "INSERT",
		Schema: s.feed.cfg.Schema,
		Table:  s.feed.cfg.Table,
		Filter: "to_user_id=eq." + string(s.user),
	}}
	join.AccessToken = s.feed.cfg.Token
	payload, err := json.Marshal(join)
	if err != nil {
		conn.Close()
		return nil, retry.Permanent(err)
	}

	ref := s.nextRef()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(channelMessage{Topic: topicFor(s.user), Event: eventJoin, Payload: payload, Ref: ref}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.feed.cfg.PongTimeout))
	for {
		var msg channelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read join reply: %w", err)
		}
		if msg.Event != eventReply || msg.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Status != "ok" {
			conn.Close()
			return nil, retry.Permanent(fmt.Errorf("%w: status %q %s", ErrJoinRejected, reply.Status, string(reply.Response)))
		}
		break
	}

	s.logger.Infow("signal feed subscribed", "topic", topicFor(s.user))
	return conn, nil
}

func (s *feedSubscription) run(ctx context.Context, conn *websocket.Conn) {
	for conn != nil {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warnw("signal feed disconnected, reconnecting", "error", err)
		conn = s.reconnect(ctx)
	}
}

// reconnect keeps retrying until a connection is joined or ctx ends.
func (s *feedSubscription) reconnect(ctx context.Context) *websocket.Conn {
	for {
		conn, err := retry.RetryWithResult(ctx, s.feed.cfg.Reconnect, func() (*websocket.Conn, error) {
			return s.connect(ctx)
		})
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Errorw("signal feed reconnect failed", "error", err)

		wait := s.feed.cfg.Reconnect.MaxDelay
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *feedSubscription) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	pongTimeout := s.feed.cfg.PongTimeout
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, done)

	for {
		var msg channelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch msg.Event {
		case eventChanges:
			s.deliver(msg.Payload)
		case eventError, eventClose:
			if msg.Topic == topicFor(s.user) {
				return fmt.Errorf("channel %s: %s", msg.Event, string(msg.Payload))
			}
		}
	}
}

func (s *feedSubscription) deliver(raw json.RawMessage) {
	var change changePayload
	if err := json.Unmarshal(raw, &change); err != nil {
		s.logger.Warnw("malformed change payload", "error", err)
		return
	}
	if change.Data.Type != "INSERT" || len(change.Data.Record) == 0 {
		return
	}
	var signal domain.InboundSignal
	if err := json.Unmarshal(change.Data.Record, &signal); err != nil {
		s.logger.Warnw("malformed signal row", "error", err)
		return
	}
	if signal.ToUserID != s.user {
		return
	}
	s.handler(signal)
}

func (s *feedSubscription) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.feed.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			heartbeat := channelMessage{Topic: "phoenix", Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: s.nextRef()}
			if err := conn.WriteJSON(heartbeat); err != nil {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
