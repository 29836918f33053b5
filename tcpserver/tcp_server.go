// Package tcpserver is a single-threaded, non-blocking TCP reactor. One
// goroutine drives Poll; the server accepts connections, performs bounded
// non-blocking reads and writes, advances TLS handshakes and evicts idle
// clients. Callers consume each connection's inbound buffer and append to
// its outbound buffer.
package tcpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-licensesrv/idgenerator"
	"github.com/cyberinferno/go-licensesrv/logger"
	"github.com/cyberinferno/go-licensesrv/safemap"
)

const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultChunkSize        = 64 * 1024
	DefaultMaxInboundBytes  = 1 << 20
	DefaultMaxOutboundBytes = 16 << 20
)

var (
	// ErrBind wraps every failure to create the listening socket.
	ErrBind = errors.New("failed to bind listening socket")
	// ErrNotRunning is returned by Poll before Start or after Stop.
	ErrNotRunning = errors.New("server not running")
)

// Config holds the server settings. Zero values take the package defaults.
type Config struct {
	Name string
	Host string
	Port int
	// TLS enables TLS on every accepted connection when non-nil.
	TLS *tls.Config

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	ReadChunkSize  int
	WriteChunkSize int
	// MaxInboundBytes and MaxOutboundBytes pause reading from a connection
	// while either buffer holds at least that many bytes.
	MaxInboundBytes  int
	MaxOutboundBytes int

	// Backend is BackendAuto, BackendPoll or BackendEpoll.
	Backend string
	Logger  logger.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "tcp"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = DefaultChunkSize
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = DefaultChunkSize
	}
	if c.MaxInboundBytes <= 0 {
		c.MaxInboundBytes = DefaultMaxInboundBytes
	}
	if c.MaxOutboundBytes <= 0 {
		c.MaxOutboundBytes = DefaultMaxOutboundBytes
	}
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	if c.Logger == nil {
		c.Logger = logger.NewNopLogger()
	}

	return c
}

// PollResult is what one Poll call observed.
type PollResult struct {
	// Ready holds connections with new inbound data, connections whose
	// outbound buffer drained, and every connection in Accepted.
	Ready []*Connection
	// Accepted holds connections that became Active during this call.
	Accepted []*Connection
	// Removed holds connections closed since the previous call.
	Removed []Removal
}

// Server is the reactor. All methods except Addr, Len, Running and
// BackendName must be called from the goroutine that drives Poll.
type Server struct {
	cfg    Config
	logger logger.Logger
	now    func() time.Time

	ids         *idgenerator.IdGenerator
	conns       *safemap.SafeMap[uint64, *Connection]
	byFD        map[int]*Connection
	handshaking map[uint64]*Connection
	dirty       map[uint64]*Connection
	readySeen   map[uint64]struct{}
	active      atomic.Int64

	listenFD int
	addr     net.Addr
	backend  backend
	waker    *waker
	running  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	nextSweep time.Time
	removed   []Removal
	events    []readyEvent
	readBuf   []byte
}

// New creates a stopped server.
//
// Parameters:
//   - cfg: The server configuration
//
// Returns:
//   - A new Server; call Start to bind it
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	return &Server{
		cfg:         cfg,
		logger:      cfg.Logger.With(logger.Field{Key: "component", Value: cfg.Name}),
		now:         time.Now,
		ids:         idgenerator.NewIdGenerator(0),
		conns:       safemap.NewSafeMap[uint64, *Connection](),
		byFD:        make(map[int]*Connection),
		handshaking: make(map[uint64]*Connection),
		dirty:       make(map[uint64]*Connection),
		readySeen:   make(map[uint64]struct{}),
		listenFD:    -1,
		readBuf:     make([]byte, cfg.ReadChunkSize),
	}
}

// Start binds Host:Port, selects the readiness backend and starts listening.
// A bind failure is returned wrapped in ErrBind and is not retried.
//
// Returns:
//   - An error if the server is already running or cannot listen
func (s *Server) Start() error {
	if s.running.Load() {
		s.logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.cfg.Name)
	}

	fd, addr, err := listen(s.cfg.Host, s.cfg.Port)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("%w %s: %w", ErrBind, net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)), err)
	}

	b, err := newBackend(s.cfg.Backend)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("server %s: %w", s.cfg.Name, err)
	}

	w, err := newWaker()
	if err != nil {
		_ = unix.Close(fd)
		_ = b.close()
		return fmt.Errorf("server %s: %w", s.cfg.Name, err)
	}

	for _, rfd := range []int{fd, w.r} {
		if err := b.add(rfd, interest{read: true}); err != nil {
			_ = unix.Close(fd)
			_ = b.close()
			w.close()
			return fmt.Errorf("server %s: register descriptor: %w", s.cfg.Name, err)
		}
	}

	s.listenFD, s.addr, s.backend, s.waker = fd, addr, b, w
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.nextSweep = s.now().Add(s.cfg.SweepInterval)
	s.running.Store(true)

	s.logger.Info(fmt.Sprintf("%s server started", s.cfg.Name),
		logger.Field{Key: "addr", Value: addr.String()},
		logger.Field{Key: "backend", Value: b.name()},
		logger.Field{Key: "tls", Value: s.cfg.TLS != nil},
	)

	return nil
}

// Addr returns the bound listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Running reports whether the server has been started and not stopped.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Wake interrupts a Poll blocked waiting for events. Safe for concurrent
// use; a no-op unless the server is running.
func (s *Server) Wake() {
	if s.running.Load() {
		s.waker.wake()
	}
}

// Len returns the number of open connections. Safe for concurrent use.
func (s *Server) Len() int {
	return int(s.active.Load())
}

// BackendName returns the readiness backend in use, or "" before Start.
func (s *Server) BackendName() string {
	if s.backend == nil {
		return ""
	}

	return s.backend.name()
}

// Connection looks up an open connection by ID.
func (s *Server) Connection(id uint64) (*Connection, bool) {
	return s.conns.Load(id)
}

// Poll waits up to maxWait for readiness, services every ready socket once
// and reports what changed. The wait is shortened so idle sweeps run every
// SweepInterval regardless of maxWait.
//
// Parameters:
//   - maxWait: The longest time to block waiting for events
//
// Returns:
//   - The ready, accepted and removed connections
//   - ErrNotRunning, or a backend failure
func (s *Server) Poll(maxWait time.Duration) (*PollResult, error) {
	if !s.running.Load() {
		return nil, ErrNotRunning
	}

	res := &PollResult{}
	clear(s.readySeen)
	s.reconcileDirty()

	wait := maxWait
	if len(s.removed) > 0 {
		wait = 0
	}
	if untilSweep := s.nextSweep.Sub(s.now()); untilSweep < wait {
		wait = untilSweep
	}

	events, err := s.backend.wait(wait, s.events[:0])
	if err != nil {
		return nil, fmt.Errorf("%s backend wait: %w", s.backend.name(), err)
	}

	for _, ev := range events {
		switch ev.fd {
		case s.listenFD:
			s.acceptAll(res)
		case s.waker.r:
			s.waker.drain()
		default:
			if c, ok := s.byFD[ev.fd]; ok {
				s.service(c, ev, res)
			}
		}
	}
	s.events = events

	s.advanceHandshakes(res)

	if now := s.now(); !now.Before(s.nextSweep) {
		s.sweep(now)
		s.nextSweep = now.Add(s.cfg.SweepInterval)
	}

	s.reconcileDirty()

	ready := res.Ready[:0]
	for _, c := range res.Ready {
		if c.state != StateClosed {
			ready = append(ready, c)
		}
	}
	res.Ready = ready

	res.Removed, s.removed = s.removed, nil
	return res, nil
}

// UpdateReadinessInterest re-registers the connection with the backend
// after its outbound buffer changed. Poll also reconciles every connection
// written since the previous call, so this only makes the change take
// effect immediately.
func (s *Server) UpdateReadinessInterest(id uint64) {
	if c, ok := s.conns.Load(id); ok {
		s.refreshInterest(c)
		delete(s.dirty, id)
	}
}

// Close closes a connection immediately, discarding queued output. The
// removal is reported by the next Poll with ReasonClosed.
func (s *Server) Close(id uint64) error {
	c, ok := s.conns.Load(id)
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrConnectionClosed)
	}

	s.remove(c, ReasonClosed, nil)
	return nil
}

// CloseAfterFlush stops reading from a connection and closes it once its
// outbound buffer has been written.
func (s *Server) CloseAfterFlush(id uint64) error {
	c, ok := s.conns.Load(id)
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrConnectionClosed)
	}

	c.closing = true
	if c.PendingOutbound() == 0 {
		s.remove(c, ReasonClosed, nil)
		return nil
	}

	s.refreshInterest(c)
	return nil
}

// Stop closes the listener and every connection. It returns the removals of
// the connections it closed, including any not yet reported by Poll.
func (s *Server) Stop() []Removal {
	if !s.running.Load() {
		s.logger.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return nil
	}

	s.running.Store(false)
	s.cancel()

	s.conns.Range(func(_ uint64, c *Connection) bool {
		s.remove(c, ReasonServerStopped, nil)
		return true
	})

	_ = s.backend.remove(s.listenFD)
	_ = unix.Close(s.listenFD)
	_ = s.backend.close()
	s.waker.close()
	s.listenFD = -1

	removed := s.removed
	s.removed = nil

	s.logger.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
	return removed
}

func (s *Server) acceptAll(res *PollResult) {
	for {
		fd, remote, err := acceptOne(s.listenFD)
		if err != nil {
			s.logger.Warn("accept failed", logger.Field{Key: "error", Value: err})
			return
		}
		if fd < 0 {
			return
		}

		c := &Connection{
			id:           s.ids.Id(),
			fd:           fd,
			server:       s,
			state:        StateActive,
			lastActivity: s.now(),
			interest:     interest{read: true},
		}
		var remoteAddr net.Addr
		if remote != nil {
			c.remoteAddr = remote.String()
			remoteAddr = remote
		}

		if err := s.backend.add(fd, c.interest); err != nil {
			s.logger.Warn("failed to register connection", logger.Field{Key: "error", Value: err})
			_ = unix.Close(fd)
			continue
		}

		s.byFD[fd] = c
		s.conns.Store(c.id, c)
		s.active.Add(1)

		if s.cfg.TLS != nil {
			c.state = StateHandshaking
			c.tls = startTLS(s.ctx, s.cfg.TLS, remoteAddr, s.waker.wake)
			s.handshaking[c.id] = c
			continue
		}

		s.promote(c, res)
	}
}

func (s *Server) promote(c *Connection, res *PollResult) {
	c.state = StateActive
	res.Accepted = append(res.Accepted, c)
	s.markReady(c, res)
}

func (s *Server) markReady(c *Connection, res *PollResult) {
	if _, ok := s.readySeen[c.id]; ok {
		return
	}

	s.readySeen[c.id] = struct{}{}
	res.Ready = append(res.Ready, c)
}

func (s *Server) service(c *Connection, ev readyEvent, res *PollResult) {
	if ev.failed {
		s.remove(c, ReasonReadError, socketError(c.fd))
		return
	}

	if (ev.readable && c.interest.read) || ev.hangup {
		if !s.readOnce(c, res) {
			return
		}
	}

	if ev.writable {
		if !s.writeOnce(c, res) {
			return
		}
	}

	s.refreshInterest(c)
}

// readOnce performs one bounded read. It reports false if the connection
// was removed.
func (s *Server) readOnce(c *Connection, res *PollResult) bool {
	n, err := unix.Read(c.fd, s.readBuf)
	if err != nil {
		if isWouldBlock(err) {
			return true
		}
		s.remove(c, ReasonReadError, err)
		return false
	}
	if n == 0 {
		s.remove(c, ReasonPeerDisconnected, nil)
		return false
	}

	c.lastActivity = s.now()

	if c.tls == nil {
		c.appendInbound(s.readBuf[:n])
		s.markReady(c, res)
		return true
	}

	c.tls.transport.feed(s.readBuf[:n])
	if c.state == StateActive {
		return s.decrypt(c, res)
	}

	return true
}

// decrypt moves every complete TLS record buffered in the transport into
// the inbound buffer.
func (s *Server) decrypt(c *Connection, res *PollResult) bool {
	before := c.inboundLen()

	for {
		n, err := c.tls.conn.Read(s.readBuf)
		if n > 0 {
			c.appendInbound(s.readBuf[:n])
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}

			if errors.Is(err, io.EOF) {
				s.remove(c, ReasonPeerDisconnected, nil)
			} else {
				s.remove(c, ReasonReadError, err)
			}
			return false
		}

		if n == 0 {
			break
		}
	}

	if c.inboundLen() > before {
		s.markReady(c, res)
	}

	return true
}

// writeOnce performs one bounded write. It reports false if the connection
// was removed.
func (s *Server) writeOnce(c *Connection, res *PollResult) bool {
	had := c.PendingOutbound()
	if had == 0 {
		return true
	}

	var (
		n   int
		err error
	)

	if c.tls == nil {
		chunk := c.pendingPlain()
		if len(chunk) > s.cfg.WriteChunkSize {
			chunk = chunk[:s.cfg.WriteChunkSize]
		}

		n, err = unix.Write(c.fd, chunk)
		if n > 0 {
			c.advanceOutbound(n)
		}
	} else {
		if c.state == StateActive && c.tls.transport.pendingOut() == 0 {
			if plain := c.pendingPlain(); len(plain) > 0 {
				if len(plain) > s.cfg.WriteChunkSize {
					plain = plain[:s.cfg.WriteChunkSize]
				}

				if _, err := c.tls.conn.Write(plain); err != nil {
					s.remove(c, ReasonWriteError, err)
					return false
				}
				c.advanceOutbound(len(plain))
			}
		}

		n, err = c.tls.transport.flush(s.cfg.WriteChunkSize, func(b []byte) (int, error) {
			return unix.Write(c.fd, b)
		})
	}

	if err != nil && !isWouldBlock(err) {
		s.remove(c, ReasonWriteError, err)
		return false
	}

	if n > 0 {
		c.lastActivity = s.now()
	}

	if c.PendingOutbound() == 0 {
		if c.closing {
			s.remove(c, ReasonClosed, nil)
			return false
		}
		if c.state == StateActive {
			s.markReady(c, res)
		}
	}

	return true
}

func (s *Server) advanceHandshakes(res *PollResult) {
	for id, c := range s.handshaking {
		if !c.tls.done.Load() {
			s.refreshInterest(c)
			continue
		}

		delete(s.handshaking, id)

		if c.tls.err != nil {
			s.remove(c, ReasonTLSHandshakeFailed, c.tls.err)
			continue
		}

		c.tls.transport.setNonblocking()
		s.promote(c, res)
		if s.decrypt(c, res) {
			s.refreshInterest(c)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	s.conns.Range(func(_ uint64, c *Connection) bool {
		if now.Sub(c.lastActivity) > s.cfg.IdleTimeout {
			s.remove(c, ReasonTimeout, nil)
		}
		return true
	})
}

func (s *Server) markDirty(c *Connection) {
	if c.state != StateClosed {
		s.dirty[c.id] = c
	}
}

func (s *Server) reconcileDirty() {
	for id, c := range s.dirty {
		delete(s.dirty, id)
		s.refreshInterest(c)
	}
}

func (s *Server) refreshInterest(c *Connection) {
	if c.state == StateClosed {
		return
	}

	pending := c.PendingOutbound()
	want := interest{
		read:  !c.closing && c.inboundLen() < s.cfg.MaxInboundBytes && pending < s.cfg.MaxOutboundBytes,
		write: pending > 0,
	}
	if c.state == StateHandshaking {
		want = interest{read: true, write: c.tls.transport.pendingOut() > 0}
	}

	if want == c.interest {
		return
	}

	if err := s.backend.modify(c.fd, want); err != nil {
		s.logger.Warn("failed to update readiness interest",
			logger.Field{Key: "conn_id", Value: c.id},
			logger.Field{Key: "error", Value: err},
		)
		return
	}

	c.interest = want
}

func (s *Server) remove(c *Connection, reason RemovalReason, err error) {
	if c.state == StateClosed {
		return
	}

	c.state = StateClosed
	_ = s.backend.remove(c.fd)
	_ = unix.Close(c.fd)
	if c.tls != nil {
		_ = c.tls.transport.Close()
	}

	delete(s.byFD, c.fd)
	delete(s.handshaking, c.id)
	delete(s.dirty, c.id)
	s.conns.Delete(c.id)
	s.active.Add(-1)

	s.removed = append(s.removed, Removal{Conn: c, Reason: reason, Err: err})
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return io.ErrUnexpectedEOF
	}

	return syscall.Errno(errno)
}
