package backend_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/backend"
	pkgerrors "github.com/c360/adfront/errors"
)

// fakeServer accepts connections and answers each request with reply.
type fakeServer struct {
	ln    net.Listener
	hits  atomic.Int32
	reply func(req []byte) []byte
	delay time.Duration
}

func startServer(t *testing.T, reply func(req []byte) []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	s.hits.Add(1)

	header := make([]byte, backend.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	n := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	_, _ = conn.Write(s.reply(payload))
}

func echoReply(req []byte) []byte {
	return backend.Encode(append([]byte("ad:"), req...))
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestClient_Do(t *testing.T) {
	srv := startServer(t, echoReply)
	client, err := backend.NewClient(backend.Config{Servers: []string{srv.addr()}})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), []byte("pm=1"))
	require.NoError(t, err)
	assert.Equal(t, "ad:pm=1", string(resp.Body))
	assert.Equal(t, srv.addr(), resp.Server)
	assert.Equal(t, 1, resp.Attempts)
}

func TestClient_FailsOverOnConnectError(t *testing.T) {
	srv := startServer(t, echoReply)
	client, err := backend.NewClient(backend.Config{
		Servers: []string{closedAddr(t), srv.addr()},
	})
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, srv.addr(), resp.Server)
}

func TestClient_NextUpstreamOff(t *testing.T) {
	srv := startServer(t, echoReply)
	client, err := backend.NewClient(backend.Config{
		Servers:      []string{closedAddr(t), srv.addr()},
		NextUpstream: []string{"error", "off"},
	})
	require.NoError(t, err)

	_, err = client.Do(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, int32(0), srv.hits.Load())
}

func TestClient_InvalidResponse(t *testing.T) {
	bad := startServer(t, func([]byte) []byte {
		return []byte{0, 0, 0, 0xE8, 0, 0, 0, 0}
	})
	good := startServer(t, echoReply)

	t.Run("not retried by default", func(t *testing.T) {
		client, err := backend.NewClient(backend.Config{Servers: []string{bad.addr(), good.addr()}})
		require.NoError(t, err)

		_, err = client.Do(context.Background(), []byte("x"))
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrProtocolViolation)
		assert.Equal(t, backend.FailInvalidResponse, backend.Classify(err))
	})

	t.Run("retried when configured", func(t *testing.T) {
		client, err := backend.NewClient(backend.Config{
			Servers:      []string{bad.addr(), good.addr()},
			NextUpstream: []string{"invalid_response"},
		})
		require.NoError(t, err)

		resp, err := client.Do(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "ad:x", string(resp.Body))
	})
}

func TestClient_ReadTimeout(t *testing.T) {
	srv := startServer(t, echoReply)
	srv.delay = 500 * time.Millisecond

	client, err := backend.NewClient(backend.Config{
		Servers:     []string{srv.addr()},
		ReadTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.Do(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, backend.IsTimeout(err))
	assert.Equal(t, backend.FailTimeout, backend.Classify(err))
}

func TestClient_ContextCancel(t *testing.T) {
	srv := startServer(t, echoReply)
	srv.delay = time.Second

	client, err := backend.NewClient(backend.Config{Servers: []string{srv.addr(), srv.addr()}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Do(ctx, []byte("x"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  backend.Config
	}{
		{"no servers", backend.Config{}},
		{"bad address", backend.Config{Servers: []string{"no-port"}}},
		{"bad policy", backend.Config{Servers: []string{"127.0.0.1:1"}, NextUpstream: []string{"sometimes"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := backend.NewClient(tt.cfg)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsInvalid(err))
		})
	}
}

func TestParseNextUpstream(t *testing.T) {
	policy, err := backend.ParseNextUpstream(nil)
	require.NoError(t, err)
	assert.True(t, policy.Allows(backend.FailError))
	assert.True(t, policy.Allows(backend.FailTimeout))
	assert.False(t, policy.Allows(backend.FailInvalidResponse))

	policy, err = backend.ParseNextUpstream([]string{"timeout", "invalid_response"})
	require.NoError(t, err)
	assert.False(t, policy.Allows(backend.FailError))
	assert.True(t, policy.Allows(backend.FailInvalidResponse))

	policy, err = backend.ParseNextUpstream([]string{"error", "off"})
	require.NoError(t, err)
	assert.False(t, policy.Allows(backend.FailError))
}
