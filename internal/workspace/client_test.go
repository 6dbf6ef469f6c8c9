package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wsync/internal/protocol"
	"github.com/danmuck/wsync/internal/protocol/session"
	"github.com/danmuck/wsync/internal/testutil/syncserver"
	"github.com/danmuck/wsync/internal/testutil/testlog"
	"github.com/danmuck/wsync/internal/testutil/tlstest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const (
	testToken     = "test-token"
	testWorkspace = "ws-test"
	waitTimeout   = 5 * time.Second
)

func startServer(t *testing.T) (*syncserver.Server, *httptest.Server) {
	t.Helper()
	server := syncserver.New(testToken)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return server, srv
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		WorkspaceID:        testWorkspace,
		Token:              testToken,
		Host:               strings.TrimPrefix(srv.URL, "http://"),
		ReconnectBaseDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func runConnect(t *testing.T, c *Client) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background())
	}()
	t.Cleanup(c.Disconnect)
	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("connect did not return")
		return nil
	}
}

// recorder collects every message a client dispatches.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) HandleMessage(msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count(kind protocol.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msg := range r.msgs {
		if msg.Type == kind {
			n++
		}
	}
	return n
}

func (r *recorder) opKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, msg := range r.msgs {
		if msg.Type == protocol.KindOp && msg.Payload != nil {
			keys = append(keys, msg.Payload.Key)
		}
	}
	return keys
}

func TestConnectReceivesInitSnapshot(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Seed(testWorkspace, "a", json.RawMessage("1"))
	server.Seed(testWorkspace, "b", json.RawMessage(`{"on":true}`))

	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	errCh := runConnect(t, c)

	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })
	want := map[string]json.RawMessage{"a": json.RawMessage("1"), "b": json.RawMessage(`{"on":true}`)}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if c.State() != session.StateConnected {
		t.Fatalf("unexpected state=%s", c.State())
	}

	c.Disconnect()
	if err := waitResult(t, errCh); err != nil {
		t.Fatalf("connect after disconnect: %v", err)
	}
	if c.State() != session.StateClosed {
		t.Fatalf("unexpected state=%s", c.State())
	}
}

func TestSetBeforeConnectFails(t *testing.T) {
	testlog.Start(t)
	_, srv := startServer(t)
	c := newTestClient(t, srv, nil)

	if err := c.Set("x", 7); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, ok := c.Get("x"); ok {
		t.Fatalf("cache changed by a rejected set")
	}
	if len(c.Snapshot()) != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestSetValidatesInput(t *testing.T) {
	testlog.Start(t)
	_, srv := startServer(t)
	c := newTestClient(t, srv, nil)

	if err := c.Set("", 1); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := c.Set("ch", make(chan int)); err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected encode error, got %v", err)
	}
}

func TestSetIsOptimisticAndReachesServer(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	c.now = func() time.Time { return time.UnixMicro(1700000000123456) }
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })

	if err := c.Set("x", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get("x")
	if !ok || string(got) != "7" {
		t.Fatalf("set not visible locally: x=%s ok=%v", got, ok)
	}

	syncserver.WaitFor(t, waitTimeout, "op at server", func() bool { return len(server.Ops()) == 1 })
	op := server.Ops()[0]
	if op.Key != "x" || string(op.Value) != "7" || op.Timestamp != 1700000000123456 {
		t.Fatalf("unexpected op at server: %+v", op)
	}
	syncserver.WaitFor(t, waitTimeout, "echo", func() bool { return len(rec.opKeys()) == 1 })
}

func TestInboundOpsUpdateCacheInOrder(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"x","value":1,"timestamp":1}}`))
	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"y","value":"b","timestamp":2}}`))
	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"x","value":42,"timestamp":3}}`))

	syncserver.WaitFor(t, waitTimeout, "ops", func() bool { return len(rec.opKeys()) == 3 })
	if diff := cmp.Diff([]string{"x", "y", "x"}, rec.opKeys()); diff != "" {
		t.Fatalf("op order mismatch (-want +got):\n%s", diff)
	}
	if got, _ := c.Get("x"); string(got) != "42" {
		t.Fatalf("unexpected x=%s", got)
	}
}

func TestMalformedFrameIsDroppedAndLoopContinues(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Send(testWorkspace, []byte(`{"type":"op","payload":`))
	server.Send(testWorkspace, []byte(`{"type":"presence","users":[]}`))
	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"after","value":true,"timestamp":5}}`))

	syncserver.WaitFor(t, waitTimeout, "valid op", func() bool { return len(rec.opKeys()) == 1 })
	if got, _ := c.Get("after"); string(got) != "true" {
		t.Fatalf("unexpected after=%s", got)
	}
	if server.Connections() != 1 {
		t.Fatalf("malformed frame caused a reconnect: connections=%d", server.Connections())
	}
	if c.State() != session.StateConnected {
		t.Fatalf("unexpected state=%s", c.State())
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	c.HandleFunc(func(protocol.Message) error { return errors.New("handler always fails") })
	c.HandleFunc(func(protocol.Message) error { panic("handler always panics") })
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"a","value":1,"timestamp":1}}`))
	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"b","value":2,"timestamp":2}}`))

	syncserver.WaitFor(t, waitTimeout, "both ops", func() bool { return len(rec.opKeys()) == 2 })
	if server.Connections() != 1 {
		t.Fatalf("handler failure caused a reconnect")
	}
}

func TestServerErrorFrameIsDispatched(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Send(testWorkspace, []byte(`{"type":"error","message":"permission denied"}`))
	syncserver.WaitFor(t, waitTimeout, "error frame", func() bool { return rec.count(protocol.KindError) == 1 })
	if c.State() != session.StateConnected {
		t.Fatalf("error frame should not end the session, state=%s", c.State())
	}
}

func TestReconnectsAfterDropAndResyncs(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Seed(testWorkspace, "a", json.RawMessage("1"))
	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "first init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Seed(testWorkspace, "b", json.RawMessage("2"))
	server.DropAll()

	syncserver.WaitFor(t, waitTimeout, "second init", func() bool { return rec.count(protocol.KindInit) == 2 })
	if server.Connections() != 2 {
		t.Fatalf("unexpected connections=%d", server.Connections())
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatalf("attempt counter not reset after reconnect: %d", c.ReconnectAttempts())
	}
	want := map[string]json.RawMessage{"a": json.RawMessage("1"), "b": json.RawMessage("2")}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestCachePersistsAcrossReconnect(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "first init", func() bool { return rec.count(protocol.KindInit) == 1 })

	server.Send(testWorkspace, []byte(`{"type":"op","payload":{"key":"local-only","value":1,"timestamp":1}}`))
	syncserver.WaitFor(t, waitTimeout, "op", func() bool { return len(rec.opKeys()) == 1 })
	server.DropAll()
	syncserver.WaitFor(t, waitTimeout, "second init", func() bool { return rec.count(protocol.KindInit) == 2 })

	if got, ok := c.Get("local-only"); !ok || string(got) != "1" {
		t.Fatalf("key absent from the new init was dropped: %s ok=%v", got, ok)
	}
}

func TestMaxReconnectAttemptsIsTerminal(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Reject(http.StatusServiceUnavailable)
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 3
		cfg.ReconnectBaseDelay = time.Millisecond
	})

	err := waitResult(t, runConnect(t, c))
	if !errors.Is(err, ErrConnection) || !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Fatalf("expected max reconnect attempts error, got %v", err)
	}
	if got := server.Attempts(); got != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", got)
	}
	if c.State() != session.StateFailed {
		t.Fatalf("unexpected state=%s", c.State())
	}
	if err := c.Set("x", 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after failure, got %v", err)
	}
}

func TestNoReconnectAttemptsFailsAfterFirstAttempt(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Reject(http.StatusServiceUnavailable)
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.MaxReconnectAttempts = NoReconnectAttempts
		cfg.ReconnectBaseDelay = ImmediateReconnect
	})

	err := waitResult(t, runConnect(t, c))
	if !errors.Is(err, ErrConnection) || !errors.Is(err, ErrMaxReconnectAttempts) {
		t.Fatalf("expected max reconnect attempts error, got %v", err)
	}
	if got := server.Attempts(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if c.State() != session.StateFailed {
		t.Fatalf("unexpected state=%s", c.State())
	}
}

func TestAutoReconnectDisabledSurfacesFirstFailure(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Reject(http.StatusServiceUnavailable)
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.DisableAutoReconnect = true
	})

	err := waitResult(t, runConnect(t, c))
	if !errors.Is(err, ErrConnection) || !errors.Is(err, ErrReconnectDisabled) {
		t.Fatalf("expected reconnect disabled error, got %v", err)
	}
	if got := server.Attempts(); got != 1 {
		t.Fatalf("unexpected attempts=%d", got)
	}
}

func TestUnauthorizedHandshake(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.Token = "wrong-token"
		cfg.DisableAutoReconnect = true
	})

	err := waitResult(t, runConnect(t, c))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if server.Connections() != 0 {
		t.Fatalf("unauthorized client was upgraded")
	}
}

func TestDisconnectDuringBackoffStopsRetrying(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	server.Reject(http.StatusServiceUnavailable)
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.ReconnectBaseDelay = time.Hour
	})
	backingOff := make(chan struct{}, 1)
	c.OnStateChange(func(_, to session.State) {
		if to == session.StateReconnecting {
			select {
			case backingOff <- struct{}{}:
			default:
			}
		}
	})

	errCh := runConnect(t, c)
	select {
	case <-backingOff:
	case <-time.After(waitTimeout):
		t.Fatalf("client never entered backoff")
	}

	start := time.Now()
	c.Disconnect()
	if err := waitResult(t, errCh); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("disconnect waited out the backoff: %v", elapsed)
	}
	if got := server.Attempts(); got != 1 {
		t.Fatalf("connect attempted after disconnect: attempts=%d", got)
	}
	if c.State() != session.StateClosed {
		t.Fatalf("unexpected state=%s", c.State())
	}
}

func TestDisconnectIsIdempotentAndAllowsNewCycle(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	c.Disconnect()
	c.Disconnect()
	if c.State() != session.StateIdle {
		t.Fatalf("disconnect on idle client changed state to %s", c.State())
	}

	rec := &recorder{}
	c.Handle(rec)
	errCh := runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init", func() bool { return rec.count(protocol.KindInit) == 1 })
	c.Disconnect()
	if err := waitResult(t, errCh); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect()

	errCh = runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "second init", func() bool { return rec.count(protocol.KindInit) == 2 })
	c.Disconnect()
	if err := waitResult(t, errCh); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if server.Connections() != 2 {
		t.Fatalf("unexpected connections=%d", server.Connections())
	}
}

func TestConnectRejectsConcurrentRun(t *testing.T) {
	testlog.Start(t)
	_, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "connected", func() bool { return c.State() == session.StateConnected })

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Fatalf("expected ErrAlreadyConnecting, got %v", err)
	}
}

func TestConnectReturnsContextError(t *testing.T) {
	testlog.Start(t)
	_, srv := startServer(t)
	c := newTestClient(t, srv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(ctx) }()
	syncserver.WaitFor(t, waitTimeout, "connected", func() bool { return c.State() == session.StateConnected })

	cancel()
	if err := waitResult(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.State() != session.StateClosed {
		t.Fatalf("unexpected state=%s", c.State())
	}
}

func TestStateTransitionsAreObservable(t *testing.T) {
	testlog.Start(t)
	_, srv := startServer(t)
	c := newTestClient(t, srv, nil)

	var mu sync.Mutex
	var seen []string
	c.OnStateChange(func(from, to session.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+"->"+to.String())
	})
	errCh := runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "connected", func() bool { return c.State() == session.StateConnected })
	c.Disconnect()
	if err := waitResult(t, errCh); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"idle->connecting", "connecting->connected", "connected->closed"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestUserIDIsSentAsQuery(t *testing.T) {
	testlog.Start(t)
	server, srv := startServer(t)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.UserID = "alice" })
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "connected", func() bool { return c.State() == session.StateConnected })

	if diff := cmp.Diff([]string{"alice"}, server.UserIDs()); diff != "" {
		t.Fatalf("user ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSecureTransport(t *testing.T) {
	testlog.Start(t)
	server := syncserver.New(testToken)
	server.Seed(testWorkspace, "secure", json.RawMessage("true"))
	ca := tlstest.NewAuthority(t, t.TempDir(), "wsync-test-ca")
	srv := httptest.NewUnstartedServer(server.Handler())
	srv.TLS = ca.ServerTLS(t, "syncserver")
	srv.StartTLS()
	t.Cleanup(srv.Close)

	c, err := New(Config{
		WorkspaceID: testWorkspace,
		Token:       testToken,
		Host:        strings.TrimPrefix(srv.URL, "https://"),
		Secure:      true,
		TLS:         session.TLSConfig{CAFile: ca.CAFile()},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !strings.HasPrefix(c.URL(), "wss://") {
		t.Fatalf("unexpected url=%q", c.URL())
	}
	rec := &recorder{}
	c.Handle(rec)
	runConnect(t, c)
	syncserver.WaitFor(t, waitTimeout, "init over tls", func() bool { return rec.count(protocol.KindInit) == 1 })
	if got, _ := c.Get("secure"); string(got) != "true" {
		t.Fatalf("unexpected secure=%s", got)
	}
}

func TestHandleFrameWithoutTransport(t *testing.T) {
	testlog.Start(t)
	c, err := New(Config{WorkspaceID: testWorkspace, Token: testToken})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := &recorder{}
	c.Handle(rec)
	log := zerolog.Nop()

	c.handleFrame([]byte(`{"type":"init","data":{"b":9,"c":3}}`), log)
	c.handleFrame([]byte(`not json`), log)
	c.handleFrame([]byte(`{"type":"init","data":{"a":1,"b":2}}`), log)
	c.handleFrame([]byte(`{"type":"op"}`), log)

	want := map[string]json.RawMessage{
		"a": json.RawMessage("1"),
		"b": json.RawMessage("2"),
		"c": json.RawMessage("3"),
	}
	if diff := cmp.Diff(want, c.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if rec.count(protocol.KindInit) != 2 || rec.count(protocol.KindOp) != 1 {
		t.Fatalf("unexpected dispatch: %+v", rec.msgs)
	}
}

func TestDropReason(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want string
	}{
		{raw: `{`, want: "malformed"},
		{raw: `{"x":1}`, want: "missing_type"},
		{raw: `{"type":"nope"}`, want: "unknown_type"},
		{raw: `{"type":"op","payload":{"key":""}}`, want: "invalid_payload"},
	}
	for _, tc := range cases {
		_, err := protocol.Decode([]byte(tc.raw))
		if got := dropReason(err); got != tc.want {
			t.Fatalf("dropReason(%s) got=%q want=%q", tc.raw, got, tc.want)
		}
	}
}
