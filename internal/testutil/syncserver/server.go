// Package syncserver is an in-process workspace sync server for tests. It
// speaks the same frames as the real server: init on connect, last-write-wins
// storage of accepted ops and a broadcast of every op to all peers of the
// workspace, the sender included.
package syncserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/wsync/internal/auth"
	"github.com/danmuck/wsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type entry struct {
	value     json.RawMessage
	timestamp int64
}

type peer struct {
	workspace string
	userID    string
	conn      *websocket.Conn
	mu        sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server is safe for concurrent use by the test and its peers.
type Server struct {
	auth     auth.Validator
	router   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	state   map[string]map[string]entry
	peers   map[*peer]struct{}
	ops     []protocol.Operation
	userIDs []string

	attempts    atomic.Int32
	connections atomic.Int32
	rejectCode  atomic.Int32
}

func New(token string) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		auth:  auth.StaticToken{Token: token},
		state: make(map[string]map[string]entry),
		peers: make(map[*peer]struct{}),
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws/:workspace", s.requireBearer, s.handleSocket)
	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Seed stores a value as if an op with timestamp 0 had been accepted.
func (s *Server) Seed(workspace, key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceLocked(workspace)[key] = entry{value: value}
}

// Reject makes every following handshake fail with status; 0 accepts again.
func (s *Server) Reject(status int) {
	s.rejectCode.Store(int32(status))
}

// Attempts counts handshake requests, rejected ones included.
func (s *Server) Attempts() int {
	return int(s.attempts.Load())
}

// Connections counts successful upgrades.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

func (s *Server) Ops() []protocol.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Operation, len(s.ops))
	copy(out, s.ops)
	return out
}

func (s *Server) UserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.userIDs))
	copy(out, s.userIDs)
	return out
}

func (s *Server) Value(workspace, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state[workspace][key]
	return e.value, ok
}

// Send writes a raw frame to every peer of workspace, bypassing validation.
func (s *Server) Send(workspace string, frame []byte) {
	for _, p := range s.peersOf(workspace) {
		_ = p.write(frame)
	}
}

// DropAll closes every peer connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) requireBearer(c *gin.Context) {
	s.attempts.Add(1)
	if code := s.rejectCode.Load(); code != 0 {
		c.AbortWithStatus(int(code))
		return
	}
	if err := auth.Check(s.auth, c.Request.Header); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
		return
	}
	c.Next()
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.connections.Add(1)

	p := &peer{
		workspace: c.Param("workspace"),
		userID:    c.Query("userId"),
		conn:      conn,
	}
	initFrame, err := s.register(p)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer s.unregister(p)

	if err := p.write(initFrame); err != nil {
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil || msg.Type != protocol.KindOp || msg.Payload == nil {
			continue
		}
		s.accept(p.workspace, *msg.Payload)
		s.Send(p.workspace, raw)
	}
}

func (s *Server) register(p *peer) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = struct{}{}
	s.userIDs = append(s.userIDs, p.userID)

	data := make(map[string]json.RawMessage)
	for key, e := range s.workspaceLocked(p.workspace) {
		data[key] = e.value
	}
	return json.Marshal(map[string]any{"type": "init", "data": data})
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	_ = p.conn.Close()
}

func (s *Server) accept(workspace string, op protocol.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	ws := s.workspaceLocked(workspace)
	if cur, ok := ws[op.Key]; ok && cur.timestamp > op.Timestamp {
		return
	}
	ws[op.Key] = entry{value: op.Value, timestamp: op.Timestamp}
}

func (s *Server) peersOf(workspace string) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.workspace == workspace {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) workspaceLocked(workspace string) map[string]entry {
	ws, ok := s.state[workspace]
	if !ok {
		ws = make(map[string]entry)
		s.state[workspace] = ws
	}
	return ws
}
