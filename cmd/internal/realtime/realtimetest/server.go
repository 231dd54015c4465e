// Package realtimetest provides an in-process cable server for tests. It
// implements realtime.Dialer without sockets and records every frame the
// client writes.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	cable "courier/contracts/cable/v1"

	"courier/cmd/internal/realtime"
)

// ErrDropped is returned by Read after Drop.
var ErrDropped = errors.New("realtimetest: connection dropped")

// Server is a scripted cable endpoint.
type Server struct {
	mu          sync.Mutex
	conns       []*Conn
	endpoints   []string
	dialErr     error
	reject      bool
	noConfirm   bool
	failWrites  bool
	failActions map[string]bool
	failPings   bool
	dropAction  string
	dropAfter   int
	dialAttempt int
}

// NewServer returns a server that confirms every subscription.
func NewServer() *Server { return &Server{} }

var _ realtime.Dialer = (*Server)(nil)

// Dial implements realtime.Dialer.
func (s *Server) Dial(ctx context.Context, endpoint string) (realtime.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialAttempt++
	s.endpoints = append(s.endpoints, endpoint)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &Conn{
		server:   s,
		endpoint: endpoint,
		in:       make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// SetDialError makes subsequent dials fail with err (nil restores).
func (s *Server) SetDialError(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

// SetReject makes subsequent subscriptions get reject_subscription.
func (s *Server) SetReject(v bool) {
	s.mu.Lock()
	s.reject = v
	s.mu.Unlock()
}

// SetSilent suppresses subscription acks so connects time out.
func (s *Server) SetSilent(v bool) {
	s.mu.Lock()
	s.noConfirm = v
	s.mu.Unlock()
}

// SetFailWrites makes every client write fail.
func (s *Server) SetFailWrites(v bool) {
	s.mu.Lock()
	s.failWrites = v
	s.mu.Unlock()
}

// SetFailAction makes writes of "message" frames carrying action fail.
func (s *Server) SetFailAction(action string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failActions == nil {
		s.failActions = make(map[string]bool)
	}
	s.failActions[action] = fail
}

// SetFailPings makes every keepalive ping fail.
func (s *Server) SetFailPings(v bool) {
	s.mu.Lock()
	s.failPings = v
	s.mu.Unlock()
}

// DropAfter drops the connection right after it carries its n-th "message"
// frame with action. It fires once.
func (s *Server) DropAfter(action string, n int) {
	s.mu.Lock()
	s.dropAction, s.dropAfter = action, n
	s.mu.Unlock()
}

// DialAttempts returns the number of Dial calls.
func (s *Server) DialAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialAttempt
}

// Endpoints returns every dialed endpoint in order.
func (s *Server) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.endpoints...)
}

// Conns returns every connection in dial order.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Last returns the most recent connection, or nil.
func (s *Server) Last() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Commands returns the decoded data of every "message" frame with action,
// across all connections.
func (s *Server) Commands(action string) []map[string]any {
	var out []map[string]any
	for _, c := range s.Conns() {
		out = append(out, c.Commands(action)...)
	}
	return out
}

// Conn is the server side of one dialed transport.
type Conn struct {
	server   *Server
	endpoint string

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	sent       []cable.Frame
	pings      int
	identifier string
	closeErr   error
	reason     string
}

// Endpoint returns the dialed URL.
func (c *Conn) Endpoint() string { return c.endpoint }

// Read implements realtime.Transport.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements realtime.Transport.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	var f cable.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	var action string
	if f.Command == cable.CommandMessage {
		action, _, _ = cable.DecodeAction(f.Data)
	}

	c.server.mu.Lock()
	failWrites, reject, silent := c.server.failWrites, c.server.reject, c.server.noConfirm
	if action != "" && c.server.failActions[action] {
		failWrites = true
	}
	dropAction, dropAfter := c.server.dropAction, c.server.dropAfter
	c.server.mu.Unlock()
	if failWrites {
		return errors.New("realtimetest: write failed")
	}

	c.mu.Lock()
	c.sent = append(c.sent, f)
	if f.Command == cable.CommandSubscribe {
		c.identifier = f.Identifier
	}
	c.mu.Unlock()

	if action != "" && action == dropAction && len(c.Commands(action)) >= dropAfter {
		c.server.mu.Lock()
		fire := c.server.dropAction == dropAction
		c.server.dropAction = ""
		c.server.mu.Unlock()
		if fire {
			c.Drop()
		}
		return nil
	}

	if f.Command == cable.CommandSubscribe && !silent {
		typ := cable.TypeConfirmSubscription
		if reject {
			typ = cable.TypeRejectSubscription
		}
		return c.Push(cable.Inbound{Type: typ, Identifier: f.Identifier})
	}
	return nil
}

// Ping implements realtime.Transport.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()

	c.server.mu.Lock()
	fail := c.server.failPings
	c.server.mu.Unlock()

	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if fail {
		return errors.New("realtimetest: ping failed")
	}
	return ctx.Err()
}

// Pings returns the number of keepalive pings received.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Close implements realtime.Transport.
func (c *Conn) Close(reason string) error {
	c.shut(net.ErrClosed, reason)
	return nil
}

// Drop simulates an unexpected network failure.
func (c *Conn) Drop() {
	c.shut(ErrDropped, "dropped")
}

func (c *Conn) shut(err error, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// Closed reports whether the connection is closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to Close.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Push sends v, JSON-encoded, to the client.
func (c *Conn) Push(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.in <- b:
		return nil
	}
}

// PushEvent wraps an event document in the subscription envelope.
func (c *Conn) PushEvent(event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ident := c.identifier
	c.mu.Unlock()
	return c.Push(cable.Inbound{Identifier: ident, Message: raw})
}

// Frames returns every frame the client wrote.
func (c *Conn) Frames() []cable.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cable.Frame(nil), c.sent...)
}

// Commands returns the decoded data of "message" frames with action.
func (c *Conn) Commands(action string) []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		if f.Command != cable.CommandMessage {
			continue
		}
		a, data, err := cable.DecodeAction(f.Data)
		if err != nil || a != action {
			continue
		}
		out = append(out, data)
	}
	return out
}
