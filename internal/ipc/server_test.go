package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/bus"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *bus.Bus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kronk.sock")
	b := bus.New()
	s := NewServer(path, b, opts...)

	s.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var in map[string]any
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return in, nil
	})
	s.Register("typed", func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct {
			Count int `json:"count"`
		}
		if err := DecodeParams(params, &in); err != nil {
			return nil, err
		}
		return in.Count * 2, nil
	})
	s.Register("broken", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("store unavailable")
	})
	s.Register("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("handler bug")
	})

	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, b, path
}

func TestCallRoundTrip(t *testing.T) {
	_, _, path := newTestServer(t)
	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	var out map[string]any
	require.NoError(t, c.Call(context.Background(), "echo", map[string]any{"hello": "world"}, &out))
	assert.Equal(t, "world", out["hello"])

	var doubled int
	require.NoError(t, c.Call(context.Background(), "typed", map[string]any{"count": 21}, &doubled))
	assert.Equal(t, 42, doubled)

	var pong string
	require.NoError(t, c.Call(context.Background(), "ping", nil, &pong))
	assert.Equal(t, "pong", pong)
}

func TestErrorCodes(t *testing.T) {
	_, _, path := newTestServer(t)
	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	var rpcErr *RPCError

	err = c.Call(ctx, "no.such.method", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	err = c.Call(ctx, "typed", map[string]any{"count": "NaN"}, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	err = c.Call(ctx, "broken", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
	assert.Equal(t, "store unavailable", rpcErr.Message)

	err = c.Call(ctx, "panics", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
}

func TestMalformedLines(t *testing.T) {
	_, _, path := newTestServer(t)
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	readResp := func() response {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp response
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}

	fmt.Fprintf(conn, "this is not json\n")
	resp := readResp()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	fmt.Fprintf(conn, `{"jsonrpc":"1.0","id":1,"method":"ping"}`+"\n")
	resp = readResp()
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	// The connection survives malformed input.
	fmt.Fprintf(conn, `{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n")
	resp = readResp()
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	_, b, path := newTestServer(t)
	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"memory:stored"}))

	b.Publish("memory:stored", map[string]any{"memoryId": "m1"})
	b.Publish("task:added", map[string]any{"taskId": "t1"}) // filtered out

	select {
	case ev := <-c.Events:
		assert.Equal(t, "memory:stored", ev.Name)
		assert.Equal(t, "m1", ev.Payload["memoryId"])
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-c.Events:
		t.Fatalf("unexpected event %s", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeStarMeansAll(t *testing.T) {
	_, b, path := newTestServer(t)
	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Subscribe(context.Background(), []string{"*"}))

	b.Publish("anything:at:all", nil)
	select {
	case ev := <-c.Events:
		assert.Equal(t, "anything:at:all", ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, b, path := newTestServer(t)
	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"*"}))
	b.Publish("first", nil)
	select {
	case <-c.Events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	require.NoError(t, c.Call(ctx, "unsubscribe", nil, nil))
	b.Publish("second", nil)
	select {
	case ev := <-c.Events:
		t.Fatalf("unexpected event %s", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownInvokesCallback(t *testing.T) {
	called := make(chan struct{})
	_, _, path := newTestServer(t, WithShutdown(func() { close(called) }))

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	var out map[string]any
	require.NoError(t, c.Call(context.Background(), "shutdown", nil, &out))
	assert.Equal(t, true, out["stopping"])

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestStaleSocketRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kronk.sock")
	// Leave a non-listening file at the socket path.
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := NewServer(path, bus.New())
	require.NoError(t, s.Start())
	defer s.Stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Call(context.Background(), "ping", nil, nil))
}

func TestLiveSocketRefused(t *testing.T) {
	_, _, path := newTestServer(t)

	second := NewServer(path, bus.New())
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening")
}

func TestSocketRemovedOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kronk.sock")
	s := NewServer(path, bus.New())
	require.NoError(t, s.Start())

	_, err := os.Stat(path)
	require.NoError(t, err)

	s.Stop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
