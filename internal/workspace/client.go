package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/wsync/internal/auth"
	"github.com/danmuck/wsync/internal/cache"
	"github.com/danmuck/wsync/internal/dispatch"
	"github.com/danmuck/wsync/internal/logging"
	"github.com/danmuck/wsync/internal/observability"
	"github.com/danmuck/wsync/internal/protocol"
	"github.com/danmuck/wsync/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxLoggedFrame = 200

// Client is one workspace sync session. Connect owns the transport; Set,
// Disconnect and the read accessors are safe to call from other goroutines.
type Client struct {
	cfg    Config
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    zerolog.Logger
	now    func() time.Time

	cache     *cache.Cache
	handlers  *dispatch.Registry
	state     *session.Machine
	reconnect *session.Reconnector

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// New validates cfg and builds an idle client. No network activity happens
// until Connect.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scfg := cfg.sessionConfig()

	logger := logging.Component("workspace")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("workspace", cfg.WorkspaceID).Logger()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: scfg.HandshakeTimeout,
	}
	if cfg.Secure {
		tlsCfg, err := scfg.TLS.ClientTLS(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		dialer.TLSClientConfig = tlsCfg
	}

	c := &Client{
		cfg:       cfg,
		url:       cfg.URL(),
		header:    auth.BearerHeader(cfg.Token),
		dialer:    dialer,
		log:       logger,
		now:       time.Now,
		cache:     cache.New(),
		handlers:  dispatch.NewRegistry(logger),
		state:     session.NewMachine(),
		reconnect: session.NewReconnector(scfg.Reconnect),
	}
	c.state.Watch(func(_, to session.State) {
		observability.RecordSessionState(cfg.WorkspaceID, int(to))
	})
	return c, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) State() session.State {
	return c.state.Current()
}

func (c *Client) ReconnectAttempts() int {
	return c.reconnect.Attempts()
}

// Snapshot returns a copy of the locally known workspace state.
func (c *Client) Snapshot() map[string]json.RawMessage {
	return c.cache.Snapshot()
}

func (c *Client) Get(key string) (json.RawMessage, bool) {
	return c.cache.Get(key)
}

// Handle subscribes h to every inbound message and returns its unsubscribe.
func (c *Client) Handle(h dispatch.Handler) func() {
	return c.handlers.Register(h)
}

// HandleFunc subscribes fn and returns its unsubscribe. Funcs cannot be
// compared, so every call adds a separate subscription even for the same fn;
// pass a comparable value to Handle to have repeats collapse into one.
func (c *Client) HandleFunc(fn func(protocol.Message) error) func() {
	if fn == nil {
		return func() {}
	}
	return c.handlers.Register(dispatch.HandlerFunc(fn))
}

// OnStateChange subscribes fn to connection state transitions.
func (c *Client) OnStateChange(fn func(from, to session.State)) func() {
	return c.state.Watch(fn)
}

// Connect runs the session until it definitively ends. It returns nil after
// Disconnect, ctx.Err() when ctx ends, and an ErrConnection error when
// auto-reconnect is disabled or the reconnect attempts are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.end()

	c.reconnect.Reset()
	for {
		cause := c.runOnce(runCtx)
		if runCtx.Err() != nil {
			return c.closed(ctx)
		}

		delay, err := c.reconnect.Next(cause)
		if err != nil {
			c.transition(session.StateFailed)
			c.log.Error().Err(err).Int("attempts", c.reconnect.Attempts()).Msg("session failed")
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}

		c.transition(session.StateReconnecting)
		observability.RecordReconnectDelay(c.cfg.WorkspaceID, delay)
		c.log.Info().
			Dur("delay", delay).
			Int("attempt", c.reconnect.Attempts()+1).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Msg("reconnecting")
		if err := c.reconnect.Wait(runCtx, delay); err != nil {
			return c.closed(ctx)
		}
	}
}

// Disconnect stops the session: any backoff sleep or blocking read returns
// promptly and Connect does not attempt another connection. It is safe to
// call from any state and more than once.
func (c *Client) Disconnect() {
	c.runMu.Lock()
	cancel := c.cancel
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
	}

	conn := c.currentConn()
	if conn == nil {
		return
	}
	c.log.Debug().Msg("disconnecting")
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
	_ = conn.Close()
}

// Set writes value under key. The local cache is updated before the op frame
// is sent, so a Get right after Set observes the write even if the server
// never acknowledges it. A failed send is reported but not retried.
func (c *Client) Set(key string, value any) error {
	if key == "" {
		return ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("workspace: encode value for %q: %w", key, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.cache.Set(key, raw)

	frame, err := protocol.EncodeOp(protocol.Operation{
		Key:       key,
		Value:     raw,
		Timestamp: c.now().UnixMicro(),
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		observability.RecordOpSent(c.cfg.WorkspaceID, false)
		c.log.Warn().Err(err).Str("key", key).Msg("op send failed")
		return fmt.Errorf("workspace: send op %q: %w", key, err)
	}
	observability.RecordOpSent(c.cfg.WorkspaceID, true)
	return nil
}

func (c *Client) begin(ctx context.Context) (context.Context, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil, ErrAlreadyConnecting
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	return runCtx, nil
}

func (c *Client) end() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.running = false
}

// closed ends the session after a stop request. A Disconnect is a clean
// shutdown; a cancelled parent context is reported to the caller.
func (c *Client) closed(parent context.Context) error {
	c.transition(session.StateClosed)
	c.log.Info().Msg("session closed")
	return parent.Err()
}

// runOnce dials, then reads until the connection fails. It returns the
// failure cause for the reconnect decision.
func (c *Client) runOnce(ctx context.Context) error {
	c.transition(session.StateConnecting)
	log := c.log.With().Str("conn_id", uuid.NewString()).Logger()
	log.Info().Str("url", c.url).Msg("connecting")

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		outcome := observability.OutcomeDialFailed
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			outcome = observability.OutcomeUnauthorized
			err = fmt.Errorf("%w: status %d: %w", ErrUnauthorized, resp.StatusCode, err)
		}
		observability.RecordConnectAttempt(c.cfg.WorkspaceID, outcome)
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("connect failed")
		}
		return err
	}
	observability.RecordConnectAttempt(c.cfg.WorkspaceID, observability.OutcomeConnected)

	c.reconnect.Reset()
	c.setConn(conn)
	defer c.clearConn(conn)
	c.transition(session.StateConnected)
	log.Info().Msg("connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err = c.readLoop(conn, log)
	if ctx.Err() == nil {
		log.Warn().Err(err).Msg("connection lost")
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, log zerolog.Logger) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(raw, log)
	}
}

// handleFrame runs the per-frame pipeline: decode, cache apply, dispatch.
// Nothing in here can end the read loop.
func (c *Client) handleFrame(raw []byte, log zerolog.Logger) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		observability.RecordFrameDropped(c.cfg.WorkspaceID, dropReason(err))
		log.Error().Err(err).
			Str("frame", protocol.Truncate(string(raw), maxLoggedFrame)).
			Msg("dropping inbound frame")
		return
	}
	observability.RecordFrame(c.cfg.WorkspaceID, string(msg.Type))

	c.cache.Apply(msg)
	switch msg.Type {
	case protocol.KindInit:
		log.Debug().Int("keys", c.cache.Len()).Msg("snapshot applied")
	case protocol.KindError:
		log.Warn().Str("server_error", msg.Text).Msg("server reported error")
	}
	failed := c.handlers.Dispatch(msg)
	observability.RecordHandlerFailures(c.cfg.WorkspaceID, failed)
}

func (c *Client) transition(to session.State) {
	if err := c.state.Transition(to); err != nil {
		c.log.Error().Err(err).Msg("state transition rejected")
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, protocol.ErrMissingType):
		return "missing_type"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "other"
	}
}
