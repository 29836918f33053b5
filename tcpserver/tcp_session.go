package tcpserver

import (
	"errors"
	"time"
)

// ErrConnectionClosed is returned by Connection.Write once the connection has
// been removed from the server.
var ErrConnectionClosed = errors.New("connection closed")

// State is the lifecycle state of a Connection.
type State int

const (
	// StateHandshaking means the TLS handshake is still in progress.
	StateHandshaking State = iota
	// StateActive means the connection is ready for application I/O.
	StateActive
	// StateClosed is terminal; the connection is no longer in the table.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemovalReason says why a connection left the table.
type RemovalReason string

const (
	ReasonPeerDisconnected   RemovalReason = "peer_disconnected"
	ReasonReadError          RemovalReason = "read_error"
	ReasonWriteError         RemovalReason = "write_error"
	ReasonTLSHandshakeFailed RemovalReason = "tls_handshake_failed"
	ReasonTimeout            RemovalReason = "client_timeout"
	ReasonClosed             RemovalReason = "closed"
	ReasonServerStopped      RemovalReason = "server_stopped"
)

// Removal reports a connection that was closed, with the cause. Err is set
// for read, write and handshake failures.
type Removal struct {
	Conn   *Connection
	Reason RemovalReason
	Err    error
}

// Connection is one accepted client. It is owned by the Server: every method
// must be called from the goroutine that drives Poll. The socket itself is
// never exposed; callers read the inbound buffer and append to the outbound
// buffer.
type Connection struct {
	id         uint64
	fd         int
	server     *Server
	state      State
	remoteAddr string

	lastActivity  time.Time
	bytesReceived uint64
	bytesSent     uint64

	inbound  []byte
	inStart  int
	outbound []byte
	outStart int

	tls *tlsSession

	interest interest
	closing  bool

	data any
}

// ID returns the connection's identifier. IDs are never reused.
func (c *Connection) ID() uint64 {
	return c.id
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	return c.state
}

// RemoteAddr returns the peer address as host:port.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity
}

// BytesReceived returns the number of application bytes read so far.
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived
}

// BytesSent returns the number of application bytes written so far.
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent
}

// IsTLS reports whether the connection is TLS-wrapped.
func (c *Connection) IsTLS() bool {
	return c.tls != nil
}

// Inbound returns the unconsumed inbound bytes in arrival order. The slice
// is only valid until the next call to Consume or Poll.
func (c *Connection) Inbound() []byte {
	return c.inbound[c.inStart:]
}

// Consume drops n bytes from the head of the inbound buffer.
func (c *Connection) Consume(n int) {
	if n <= 0 {
		return
	}

	c.inStart += n
	if c.inStart >= len(c.inbound) {
		c.inbound = c.inbound[:0]
		c.inStart = 0
	}

	if c.server != nil {
		c.server.markDirty(c)
	}
}

// Write queues p on the outbound buffer. The bytes are sent by later Poll
// calls; a short socket write leaves the remainder queued.
//
// Parameters:
//   - p: The bytes to send
//
// Returns:
//   - len(p), or ErrConnectionClosed if the connection is gone
func (c *Connection) Write(p []byte) (int, error) {
	if c.state == StateClosed {
		return 0, ErrConnectionClosed
	}

	if c.outStart > 0 && c.outStart >= len(c.outbound)/2 {
		n := copy(c.outbound, c.outbound[c.outStart:])
		c.outbound = c.outbound[:n]
		c.outStart = 0
	}

	c.outbound = append(c.outbound, p...)
	if c.server != nil {
		c.server.markDirty(c)
	}

	return len(p), nil
}

// PendingOutbound returns the number of queued bytes not yet written to the
// socket, including TLS records waiting to be sent.
func (c *Connection) PendingOutbound() int {
	n := len(c.outbound) - c.outStart
	if c.tls != nil {
		n += c.tls.transport.pendingOut()
	}

	return n
}

// Data returns the value stored with SetData.
func (c *Connection) Data() any {
	return c.data
}

// SetData attaches caller state to the connection.
func (c *Connection) SetData(v any) {
	c.data = v
}

func (c *Connection) appendInbound(p []byte) {
	if c.inStart > 0 && c.inStart >= len(c.inbound)/2 {
		n := copy(c.inbound, c.inbound[c.inStart:])
		c.inbound = c.inbound[:n]
		c.inStart = 0
	}

	c.inbound = append(c.inbound, p...)
	c.bytesReceived += uint64(len(p))
}

func (c *Connection) pendingPlain() []byte {
	return c.outbound[c.outStart:]
}

func (c *Connection) advanceOutbound(n int) {
	c.outStart += n
	c.bytesSent += uint64(n)
	if c.outStart >= len(c.outbound) {
		c.outbound = c.outbound[:0]
		c.outStart = 0
	}
}

func (c *Connection) inboundLen() int {
	return len(c.inbound) - c.inStart
}
