// Package ipc exposes the daemon over a unix socket speaking LF-delimited
// JSON-RPC 2.0.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kronklabs/kronk/internal/bus"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrInvalidParams marks handler failures caused by bad parameters; the
// server translates it to code -32602 instead of -32603.
var ErrInvalidParams = errors.New("invalid params")

// Method handles one JSON-RPC method call.
type Method func(ctx context.Context, params json.RawMessage) (any, error)

// DecodeParams unmarshals params into v, tagging failures as ErrInvalidParams.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

const outboundBacklog = 256

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  bus.Event `json:"params"`
}

// Server accepts local clients and dispatches JSON-RPC requests.
type Server struct {
	path     string
	events   *bus.Bus
	logger   *slog.Logger
	shutdown func()

	mu      sync.Mutex
	methods map[string]Method
	conns   map[*conn]struct{}

	listener net.Listener
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithShutdown sets the function invoked after replying to "shutdown".
func WithShutdown(fn func()) Option {
	return func(s *Server) { s.shutdown = fn }
}

// NewServer creates a server bound to the given socket path once started.
func NewServer(path string, events *bus.Bus, opts ...Option) *Server {
	s := &Server{
		path:    path,
		events:  events,
		logger:  slog.Default().With("component", "ipc"),
		methods: map[string]Method{},
		conns:   map[*conn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a method name to its handler.
func (s *Server) Register(name string, m Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = m
}

func (s *Server) method(name string) Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methods[name]
}

// Start binds the socket and begins accepting clients. A stale socket file
// with nothing listening is removed; a live one refuses startup.
func (s *Server) Start() error {
	if _, err := os.Stat(s.path); err == nil {
		probe, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			probe.Close()
			return fmt.Errorf("another instance is listening on %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.path, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		c := &conn{
			server: s,
			raw:    netConn,
			out:    make(chan []byte, outboundBacklog),
			done:   make(chan struct{}),
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one connected client. Requests are handled serially by the read
// loop, so responses leave in request order; event notifications interleave
// through the same outbound queue.
type conn struct {
	server *Server
	raw    net.Conn
	out    chan []byte
	done   chan struct{}

	closeOnce sync.Once

	subMu sync.Mutex
	sub   *bus.Subscription
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.raw.Close()
		c.unsubscribe()
		c.server.dropConn(c)
	})
}

// send enqueues one outbound line. A full backlog means the client is not
// keeping up; the connection is closed rather than blocking the daemon.
func (c *conn) send(line []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- line:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping slow ipc client")
		c.close()
	}
}

func (c *conn) writeLoop() {
	defer c.server.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			if _, err := c.raw.Write(append(line, '\n')); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	defer c.server.wg.Done()
	defer c.close()

	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			c.reply(nil, nil, &rpcError{Code: CodeParseError, Message: "parse error"})
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			c.reply(req.ID, nil, &rpcError{Code: CodeInvalidRequest, Message: "invalid request"})
			continue
		}
		c.dispatch(&req)
	}
}

func (c *conn) dispatch(req *request) {
	result, rpcErr := c.handle(req)
	if len(req.ID) == 0 {
		// Client-side notification; no reply.
		return
	}
	c.reply(req.ID, result, rpcErr)
}

func (c *conn) handle(req *request) (any, *rpcError) {
	switch req.Method {
	case "ping":
		return "pong", nil
	case "subscribe":
		return c.handleSubscribe(req.Params)
	case "unsubscribe":
		c.unsubscribe()
		return map[string]any{"unsubscribed": true}, nil
	case "shutdown":
		return c.handleShutdown()
	}

	m := c.server.method(req.Method)
	if m == nil {
		return nil, &rpcError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	result, err := func() (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return m(context.Background(), req.Params)
	}()
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			return nil, &rpcError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, &rpcError{Code: CodeInternalError, Message: err.Error()}
	}
	return result, nil
}

func (c *conn) handleSubscribe(params json.RawMessage) (any, *rpcError) {
	var in struct {
		Events []string `json:"events"`
	}
	if err := DecodeParams(params, &in); err != nil {
		return nil, &rpcError{Code: CodeInvalidParams, Message: err.Error()}
	}

	// "*" anywhere in the list means everything.
	filter := in.Events
	for _, e := range in.Events {
		if e == "*" {
			filter = nil
			break
		}
	}

	c.unsubscribe()
	sub := c.server.events.Subscribe(filter, outboundBacklog)

	c.subMu.Lock()
	c.sub = sub
	c.subMu.Unlock()

	c.server.wg.Add(1)
	go c.forwardEvents(sub)
	return map[string]any{"subscribed": in.Events}, nil
}

func (c *conn) unsubscribe() {
	c.subMu.Lock()
	sub := c.sub
	c.sub = nil
	c.subMu.Unlock()
	if sub != nil {
		c.server.events.Unsubscribe(sub)
	}
}

func (c *conn) forwardEvents(sub *bus.Subscription) {
	defer c.server.wg.Done()
	for ev := range sub.C {
		line, err := json.Marshal(notification{JSONRPC: "2.0", Method: "event", Params: ev})
		if err != nil {
			continue
		}
		c.send(line)
	}
}

func (c *conn) handleShutdown() (any, *rpcError) {
	if c.server.shutdown != nil {
		// Give the write loop a moment to flush the reply.
		go func() {
			time.Sleep(100 * time.Millisecond)
			c.server.shutdown()
		}()
	}
	return map[string]any{"stopping": true}, nil
}

func (c *conn) reply(id json.RawMessage, result any, rpcErr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	line, err := json.Marshal(response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
	if err != nil {
		line, _ = json.Marshal(response{JSONRPC: "2.0", ID: id, Error: &rpcError{
			Code: CodeInternalError, Message: "encode response",
		}})
	}
	c.send(line)
}
