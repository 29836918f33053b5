package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/store/memstore"
)

type fakeConn struct {
	id      uint64
	inbound []byte
	out     []byte
	closed  bool
}

func (c *fakeConn) ID() uint64           { return c.id }
func (c *fakeConn) Inbound() []byte      { return c.inbound }
func (c *fakeConn) Consume(n int)        { c.inbound = c.inbound[n:] }
func (c *fakeConn) PendingOutbound() int { return len(c.out) }

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errors.New("closed")
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *fakeConn) responses(t *testing.T) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSuffix(string(c.out), "\n"), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

type observation struct {
	action, result string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []observation
}

func (r *fakeRecorder) ObserveRequest(action, result string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, observation{action, result})
}

func newTestDispatcher(t *testing.T, opts ...func(*Options)) (*Dispatcher, *memstore.Store) {
	t.Helper()

	s := memstore.New()
	o := Options{Store: s}
	for _, opt := range opts {
		opt(&o)
	}

	return New(o), s
}

// call sends one request and decodes the response.
func call(t *testing.T, d *Dispatcher, req map[string]any) map[string]any {
	t.Helper()

	line, err := json.Marshal(req)
	require.NoError(t, err)

	raw := d.Handle(context.Background(), 1, line)
	require.True(t, strings.HasSuffix(string(raw), "\n"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func requireOK(t *testing.T, resp map[string]any) {
	t.Helper()
	require.Equal(t, true, resp["success"], "response: %v", resp)
}

func requireCode(t *testing.T, resp map[string]any, code string) {
	t.Helper()
	require.Equal(t, false, resp["success"], "response: %v", resp)
	require.Equal(t, code, resp["errorcode"], "response: %v", resp)
	assert.NotEmpty(t, resp["error"])
}

// setupVersion creates product pid with an active major version 1.
func setupVersion(t *testing.T, d *Dispatcher, pid int, info map[string]any) {
	t.Helper()

	requireOK(t, call(t, d, map[string]any{"action": "create_product", "name": "Product", "id": pid}))

	req := map[string]any{"action": "set_major_ver", "pid": pid, "ver": 1, "active": true}
	if info != nil {
		req["info"] = info
	}
	requireOK(t, call(t, d, req))
}

func TestServe(t *testing.T) {
	t.Run("answers complete lines in order", func(t *testing.T) {
		d, _ := newTestDispatcher(t)
		conn := &fakeConn{id: 7, inbound: []byte("{\"action\":\"get_products\"}\n{\"action\":\"nope\"}\r\n{\"action\":")}

		n, err := d.Serve(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, `{"action":`, string(conn.inbound))

		resp := conn.responses(t)
		require.Len(t, resp, 2)
		assert.Equal(t, true, resp[0]["success"])
		assert.Equal(t, CodeUnknownAction, resp[1]["errorcode"])
	})

	t.Run("leaves partial line buffered", func(t *testing.T) {
		d, _ := newTestDispatcher(t)
		conn := &fakeConn{inbound: []byte(`{"action":"get_products"}`)}

		n, err := d.Serve(context.Background(), conn)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, conn.out)

		conn.inbound = append(conn.inbound, '\n')
		n, err = d.Serve(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("rejects oversized partial line", func(t *testing.T) {
		d, _ := newTestDispatcher(t, func(o *Options) { o.MaxLineBytes = 16 })
		conn := &fakeConn{inbound: []byte(strings.Repeat("x", 17))}

		_, err := d.Serve(context.Background(), conn)
		require.ErrorIs(t, err, ErrLineTooLong)
		assert.Empty(t, conn.inbound)

		resp := conn.responses(t)
		require.Len(t, resp, 1)
		assert.Equal(t, CodeLineTooLong, resp[0]["errorcode"])
	})

	t.Run("rejects oversized complete line after earlier requests", func(t *testing.T) {
		d, _ := newTestDispatcher(t, func(o *Options) { o.MaxLineBytes = 32 })
		conn := &fakeConn{inbound: []byte("{\"action\":\"get_products\"}\n" + strings.Repeat("y", 40) + "\n")}

		n, err := d.Serve(context.Background(), conn)
		require.ErrorIs(t, err, ErrLineTooLong)
		assert.Equal(t, 1, n)

		resp := conn.responses(t)
		require.Len(t, resp, 2)
		assert.Equal(t, true, resp[0]["success"])
		assert.Equal(t, CodeLineTooLong, resp[1]["errorcode"])
	})

	t.Run("stops while outbound is over the limit", func(t *testing.T) {
		d, _ := newTestDispatcher(t, func(o *Options) { o.MaxPendingOutbound = 1 })
		conn := &fakeConn{inbound: []byte("{\"action\":\"get_products\"}\n{\"action\":\"get_products\"}\n")}

		n, err := d.Serve(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		conn.out = nil
		n, err = d.Serve(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, conn.inbound)
	})

	t.Run("returns write errors", func(t *testing.T) {
		d, _ := newTestDispatcher(t)
		conn := &fakeConn{inbound: []byte("{\"action\":\"get_products\"}\n"), closed: true}

		_, err := d.Serve(context.Background(), conn)
		assert.Error(t, err)
	})
}

func TestHandleMalformed(t *testing.T) {
	d, _ := newTestDispatcher(t)

	for name, line := range map[string]string{
		"not json":       `hello`,
		"array":          `[1,2]`,
		"missing action": `{"pid":1}`,
		"null action":    `{"action":null}`,
		"empty":          ``,
	} {
		t.Run(name, func(t *testing.T) {
			var resp map[string]any
			require.NoError(t, json.Unmarshal(d.Handle(context.Background(), 1, []byte(line)), &resp))
			requireCode(t, resp, CodeInvalidRequest)
		})
	}

	t.Run("non-string action is unknown", func(t *testing.T) {
		requireCode(t, call(t, d, map[string]any{"action": 5}), CodeUnknownAction)
	})
}

func TestRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	d, _ := newTestDispatcher(t, func(o *Options) { o.Recorder = rec })

	call(t, d, map[string]any{"action": "get_products"})
	call(t, d, map[string]any{"action": "get_major_vers"})
	call(t, d, map[string]any{"action": "bogus"})

	assert.Equal(t, []observation{
		{"get_products", "ok"},
		{"get_major_vers", CodeMissingPID},
		{"unknown", CodeUnknownAction},
	}, rec.seen)
}

// flakyStore fails selected calls while failing is set.
type flakyStore struct {
	store.Store
	failing bool
}

var errBackend = errors.New("backend unavailable")

func (s *flakyStore) ListProducts(ctx context.Context) ([]store.Product, error) {
	if s.failing {
		return nil, errBackend
	}
	return s.Store.ListProducts(ctx)
}

func (s *flakyStore) SearchLicenses(ctx context.Context, q store.LicenseQuery) ([]store.License, error) {
	if s.failing {
		return nil, errBackend
	}
	return s.Store.SearchLicenses(ctx, q)
}

func TestStoreFailures(t *testing.T) {
	flaky := &flakyStore{Store: memstore.New()}
	d := New(Options{Store: flaky})
	setupVersion(t, d, 3, nil)

	t.Run("catalog load failure is not cached", func(t *testing.T) {
		d.invalidateCatalog(context.Background())
		flaky.failing = true
		requireCode(t, call(t, d, map[string]any{"action": "get_products"}), CodeDBException)

		flaky.failing = false
		resp := call(t, d, map[string]any{"action": "get_products"})
		requireOK(t, resp)
		assert.Contains(t, resp["products"], "3")
	})

	t.Run("search failure leaves catalog intact", func(t *testing.T) {
		requireOK(t, call(t, d, map[string]any{"action": "get_products"}))

		flaky.failing = true
		requireCode(t, call(t, d, map[string]any{"action": "get_licenses", "userinfo": "x"}), CodeDBException)

		// served from the cached snapshot
		resp := call(t, d, map[string]any{"action": "get_products"})
		flaky.failing = false
		requireOK(t, resp)
		assert.Contains(t, resp["products"], "3")
	})
}

func TestRequestTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, func(o *Options) { o.RequestTimeout = time.Second })
	requireOK(t, call(t, d, map[string]any{"action": "get_products"}))
}

func TestErrorType(t *testing.T) {
	cause := errors.New("boom")
	e := dbError("doing things", cause)

	assert.Equal(t, CodeDBException, e.Code)
	assert.Equal(t, "A database exception occurred while doing things.", e.Message)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "boom")
	assert.Equal(t, "missing_pid: Missing product ID.", errMissingPID.Error())
}

func TestRequestAccessors(t *testing.T) {
	req, ok := parseRequest([]byte(`{"i":5,"f":2.9,"s":"12","b":true,"z":"0","n":null,"o":{"a":1},"e":[],"str":"x"}`))
	require.True(t, ok)

	t.Run("integer", func(t *testing.T) {
		for key, want := range map[string]int{"i": 5, "f": 2, "s": 12, "b": 1, "z": 0} {
			got, ok := req.integer(key)
			assert.True(t, ok, key)
			assert.Equal(t, want, got, key)
		}

		_, ok := req.integer("n")
		assert.False(t, ok)
		_, ok = req.integer("str")
		assert.False(t, ok)
	})

	t.Run("strict integer", func(t *testing.T) {
		_, ok := req.strictInt("s")
		assert.False(t, ok)
		n, ok := req.strictInt("i")
		assert.True(t, ok)
		assert.Equal(t, 5, n)
	})

	t.Run("flag", func(t *testing.T) {
		assert.True(t, req.flag("b"))
		assert.True(t, req.flag("i"))
		assert.True(t, req.flag("o"))
		assert.False(t, req.flag("z"))
		assert.False(t, req.flag("e"))
		assert.False(t, req.flag("n"))
		assert.False(t, req.flag("missing"))
	})

	t.Run("has treats null as absent", func(t *testing.T) {
		assert.False(t, req.has("n"))
		assert.True(t, req.has("e"))
	})

	t.Run("object", func(t *testing.T) {
		_, ok := req.object("o")
		assert.True(t, ok)
		_, ok = req.object("e")
		assert.False(t, ok)
	})
}
