package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-licensesrv/dispatcher"
	"github.com/cyberinferno/go-licensesrv/logger"
	"github.com/cyberinferno/go-licensesrv/store/memstore"
	"github.com/cyberinferno/go-licensesrv/tcpserver"
)

type fakeObserver struct {
	mu       sync.Mutex
	accepted int
	removed  map[string]int
	active   int
}

func (o *fakeObserver) ConnectionAccepted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted++
}

func (o *fakeObserver) ConnectionRemoved(reason string, received, sent uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removed == nil {
		o.removed = map[string]int{}
	}
	o.removed[reason]++
}

func (o *fakeObserver) SetActive(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type running struct {
	srv    *tcpserver.Server
	obs    *fakeObserver
	logs   *lockedBuffer
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) {
	t.Helper()

	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "service did not stop")
	}
}

func startService(t *testing.T, maxLine int) *running {
	t.Helper()

	logs := &lockedBuffer{}
	log, err := logger.New(logger.Options{Service: "licensesrv", Level: zerolog.InfoLevel, Output: logs})
	require.NoError(t, err)

	srv := tcpserver.New(tcpserver.Config{Name: "license", Host: "127.0.0.1", Logger: log})
	d := dispatcher.New(dispatcher.Options{Store: memstore.New(), MaxLineBytes: maxLine, Logger: log})
	obs := &fakeObserver{}

	svc := New(Options{Server: srv, Handler: d, PollInterval: time.Hour, Observer: obs, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, obs: obs, logs: logs, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- svc.Run(ctx) }()

	require.Eventually(t, srv.Running, 5*time.Second, 5*time.Millisecond)
	t.Cleanup(cancel)

	return r
}

func dial(t *testing.T, r *running) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", r.srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })

	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, rd *bufio.Reader, req map[string]any) map[string]any {
	t.Helper()

	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	raw, err := rd.ReadBytes('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestRun(t *testing.T) {
	r := startService(t, dispatcher.DefaultMaxLineBytes)
	conn, rd := dial(t, r)

	t.Run("serves requests", func(t *testing.T) {
		resp := roundTrip(t, conn, rd, map[string]any{"action": "create_product", "name": "Widget"})
		assert.Equal(t, true, resp["success"])

		resp = roundTrip(t, conn, rd, map[string]any{"action": "get_products"})
		assert.Equal(t, true, resp["success"])
		assert.Contains(t, resp["products"], "1")
	})

	t.Run("pipelined requests keep order", func(t *testing.T) {
		_, err := conn.Write([]byte("{\"action\":\"get_products\"}\n{\"action\":\"bogus\"}\n{\"action\":\"get_major_vers\"}\n"))
		require.NoError(t, err)

		var codes []any
		for i := 0; i < 3; i++ {
			raw, err := rd.ReadBytes('\n')
			require.NoError(t, err)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(raw, &resp))
			codes = append(codes, resp["errorcode"])
		}
		assert.Equal(t, []any{nil, dispatcher.CodeUnknownAction, dispatcher.CodeMissingPID}, codes)
	})

	t.Run("disconnect is reported", func(t *testing.T) {
		require.NoError(t, conn.Close())

		assert.Eventually(t, func() bool {
			r.obs.mu.Lock()
			defer r.obs.mu.Unlock()
			return r.obs.removed[string(tcpserver.ReasonPeerDisconnected)] == 1 && r.obs.active == 0
		}, 5*time.Second, 10*time.Millisecond)
	})

	r.stop(t)

	r.obs.mu.Lock()
	assert.Equal(t, 1, r.obs.accepted)
	r.obs.mu.Unlock()

	logs := r.logs.String()
	assert.Contains(t, logs, "Client connected")
	assert.Contains(t, logs, "Client disconnected")
	assert.Contains(t, logs, `"reason":"peer_disconnected"`)
	assert.False(t, r.srv.Running())
}

func TestRunClosesOversizedLines(t *testing.T) {
	r := startService(t, 64)
	conn, rd := dial(t, r)

	_, err := conn.Write([]byte(strings.Repeat("x", 100) + "\n"))
	require.NoError(t, err)

	raw, err := rd.ReadBytes('\n')
	require.NoError(t, err)
	assert.Contains(t, string(raw), dispatcher.CodeLineTooLong)

	_, err = rd.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool {
		r.obs.mu.Lock()
		defer r.obs.mu.Unlock()
		return r.obs.removed[string(tcpserver.ReasonClosed)] == 1
	}, 5*time.Second, 10*time.Millisecond)

	r.stop(t)
}

func TestRunStopsOpenConnections(t *testing.T) {
	r := startService(t, dispatcher.DefaultMaxLineBytes)
	conn, rd := dial(t, r)
	roundTrip(t, conn, rd, map[string]any{"action": "get_products"})

	r.stop(t)

	r.obs.mu.Lock()
	defer r.obs.mu.Unlock()
	assert.Equal(t, 1, r.obs.removed[string(tcpserver.ReasonServerStopped)])
	assert.Equal(t, 0, r.obs.active)
}

func TestRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := tcpserver.New(tcpserver.Config{Host: "127.0.0.1", Port: port})
	svc := New(Options{Server: srv, Handler: dispatcher.New(dispatcher.Options{Store: memstore.New()})})

	err = svc.Run(context.Background())
	assert.ErrorIs(t, err, tcpserver.ErrBind)
}
