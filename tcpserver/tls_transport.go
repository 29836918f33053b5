package tcpserver

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// wouldBlockError is returned by memTransport.Read when no ciphertext is
// buffered. crypto/tls keeps the connection usable after a temporary error,
// so the reactor can retry the read on the next readiness event.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "tls transport: no data buffered" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// memTransport is the net.Conn handed to crypto/tls. The reactor feeds it
// ciphertext read from the socket and drains ciphertext for the socket.
// Reads block only while the handshake goroutine owns the TLS connection.
type memTransport struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	blocking bool
	closed   bool
	notify   func()
	remote   net.Addr
}

func newMemTransport(remote net.Addr, notify func()) *memTransport {
	t := &memTransport{blocking: true, notify: notify, remote: remote}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *memTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.blocking && len(t.in) == 0 && !t.closed {
		t.cond.Wait()
	}

	if len(t.in) == 0 {
		if t.closed {
			return 0, io.EOF
		}
		return 0, errWouldBlock
	}

	n := copy(p, t.in)
	t.in = t.in[n:]
	if len(t.in) == 0 {
		t.in = nil
	}

	return n, nil
}

func (t *memTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, net.ErrClosed
	}
	t.out = append(t.out, p...)
	t.mu.Unlock()

	if t.notify != nil {
		t.notify()
	}

	return len(p), nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return nil
}

// feed appends ciphertext received from the socket.
func (t *memTransport) feed(p []byte) {
	t.mu.Lock()
	t.in = append(t.in, p...)
	t.mu.Unlock()
	t.cond.Signal()
}

func (t *memTransport) setNonblocking() {
	t.mu.Lock()
	t.blocking = false
	t.mu.Unlock()
}

func (t *memTransport) pendingOut() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.out)
}

// flush hands at most max pending ciphertext bytes to write and drops what
// was written.
func (t *memTransport) flush(max int, write func([]byte) (int, error)) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.out) == 0 {
		return 0, nil
	}

	chunk := t.out
	if len(chunk) > max {
		chunk = chunk[:max]
	}

	n, err := write(chunk)
	if n > 0 {
		t.out = t.out[n:]
		if len(t.out) == 0 {
			t.out = nil
		}
	}

	return n, err
}

func (t *memTransport) LocalAddr() net.Addr              { return nil }
func (t *memTransport) RemoteAddr() net.Addr             { return t.remote }
func (t *memTransport) SetDeadline(time.Time) error      { return nil }
func (t *memTransport) SetReadDeadline(time.Time) error  { return nil }
func (t *memTransport) SetWriteDeadline(time.Time) error { return nil }

// tlsSession is the TLS state of one connection. The handshake runs on its
// own goroutine; done flips once it finishes and err holds the outcome.
type tlsSession struct {
	conn      *tls.Conn
	transport *memTransport
	done      atomic.Bool
	err       error
}

func startTLS(ctx context.Context, cfg *tls.Config, remote net.Addr, wake func()) *tlsSession {
	transport := newMemTransport(remote, wake)
	sess := &tlsSession{
		conn:      tls.Server(transport, cfg),
		transport: transport,
	}

	go func() {
		sess.err = sess.conn.HandshakeContext(ctx)
		sess.done.Store(true)
		wake()
	}()

	return sess
}
