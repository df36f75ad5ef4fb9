package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kronklabs/kronk/internal/bus"
)

// RPCError is a JSON-RPC error returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Client is a JSON-RPC client for the daemon socket. Calls are synchronous;
// event notifications arriving between responses land on Events.
type Client struct {
	conn net.Conn

	// Events receives notifications after a successful subscribe call.
	// The channel drops events if the consumer falls behind.
	Events chan bus.Event

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *response

	closeOnce sync.Once
	readErr   error
}

// Dial connects to the daemon socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	c := &Client{
		conn:    conn,
		Events:  make(chan bus.Event, outboundBacklog),
		pending: map[int64]chan *response{},
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon. The Events channel is closed by the
// reader once the connection drains.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
	return err
}

// Call issues one request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		rawParams = b
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			if c.readErr != nil {
				return c.readErr
			}
			return fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil {
			raw, err := json.Marshal(resp.Result)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, result)
		}
		return nil
	}
}

// Subscribe registers this connection for the named events; "*" means all.
func (c *Client) Subscribe(ctx context.Context, events []string) error {
	return c.Call(ctx, "subscribe", map[string]any{"events": events}, nil)
}

func (c *Client) readLoop() {
	defer close(c.Events)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Notifications carry a method; responses carry an id.
		var probe struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.Method != "" {
			var note notification
			if err := json.Unmarshal(line, &note); err != nil {
				continue
			}
			select {
			case c.Events <- note.Params:
			default:
			}
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	c.readErr = scanner.Err()
	c.Close()
}
