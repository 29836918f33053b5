// Package licenseclient is a client for the license server. Requests are
// pipelined over one connection and matched to responses in order; the
// client reports connection state changes to a registered handler and can
// reconnect automatically.
package licenseclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-licensesrv/utils"
)

// DefaultPort is the port the license server listens on by default.
const DefaultPort = 24276

var (
	// ErrNotConnected is returned by requests made while disconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")
	// ErrConnectionLost fails the requests that were in flight when the
	// connection dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrResponseTooLarge is reported when a response line exceeds
	// Config.MaxResponseBytes.
	ErrResponseTooLarge = errors.New("response too large")
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Waiting to reconnect after the connection was lost
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// ErrorEvent is emitted when a connection or protocol error occurs that is
// not returned to a caller, e.g. a read failure.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for
// concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// ErrorHandler is called for connection and protocol errors. Handlers are
// invoked from goroutines; implementations must be safe for concurrent use.
type ErrorHandler func(event ErrorEvent)

// Config holds the client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// TLS, when set, wraps the connection in TLS.
	TLS *tls.Config
	// AutoReconnect re-dials after the connection is lost unexpectedly.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// ConnectionTimeout bounds establishing a connection, TLS included.
	ConnectionTimeout time.Duration
	// WriteTimeout bounds writing one request; 0 means no timeout.
	WriteTimeout time.Duration
	// RequestTimeout bounds a request whose context has no deadline; 0
	// means no timeout.
	RequestTimeout time.Duration
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// MaxResponseBytes bounds a single response line.
	MaxResponseBytes int
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, ConnectionTimeout 10s,
//     WriteTimeout 10s, RequestTimeout 30s, ReadBufferSize 4096,
//     MaxResponseBytes 16 MiB and AutoReconnect disabled.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ReconnectInterval: 5 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestTimeout:    30 * time.Second,
		ReadBufferSize:    4096,
		MaxResponseBytes:  16 << 20,
	}
}

type result struct {
	raw []byte
	err error
}

// Client is a license server client. It is safe for concurrent use.
type Client struct {
	config Config
	conn   net.Conn
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onError           ErrorHandler

	mu sync.RWMutex
	// writeMu keeps the pending queue in the same order as the wire.
	writeMu sync.Mutex
	pendMu  sync.Mutex
	pending []chan result

	stopChan      chan struct{}
	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
	closed        bool
}

// New creates a disconnected client; call Connect to establish the
// connection.
func New(config Config) *Client {
	def := DefaultConfig(config.Address)
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = def.ReconnectInterval
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = def.MaxResponseBytes
	}

	return &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnError registers the handler for connection and protocol errors,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server. With AutoReconnect enabled, later unexpected
// disconnects are followed by reconnection attempts until Close.
//
// Returns:
//   - nil on success; ErrClosed, an "already connected" error or the dial
//     error otherwise
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed, state := c.closed, c.state
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if state == Connected || state == Connecting {
		return fmt.Errorf("already connected or connecting")
	}

	if err := c.dial(ctx); err != nil {
		return err
	}

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectHandler()
		})
	}

	return nil
}

// Disconnect closes the connection without reconnecting and fails the
// requests in flight. Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if conn == nil || c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := conn.Close()
	c.failPending(ErrConnectionLost)
	c.setState(Disconnected, nil)
	return err
}

// Close shuts the client down. Requests in flight fail with ErrClosed.
// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.failPending(ErrClosed)
	c.setState(Closed, nil)

	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Request sends one request object and returns the raw response line.
// Responses are matched to requests in the order they were written.
//
// Parameters:
//   - ctx: Bounds the wait for the response
//   - req: A value that encodes to a JSON object with an "action" key
//
// Returns:
//   - The response JSON without its trailing newline
//   - ErrNotConnected, a write error, ErrConnectionLost or the context error
func (c *Client) Request(ctx context.Context, req any) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	data = append(data, '\n')

	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	done := make(chan result, 1)

	c.writeMu.Lock()
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		c.writeMu.Unlock()
		return nil, ErrNotConnected
	}

	c.pendMu.Lock()
	c.pending = append(c.pending, done)
	c.pendMu.Unlock()

	err = c.write(conn, data)
	c.writeMu.Unlock()

	if err != nil {
		c.connectionLost(conn, err)
		return nil, err
	}

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		// the queue slot stays so later responses still line up
		return nil, ctx.Err()
	}
}

func (c *Client) write(conn net.Conn, data []byte) error {
	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := conn.Write(data)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	c.setState(Connecting, nil)

	if c.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	if c.config.TLS != nil {
		d := tls.Dialer{Config: c.config.TLS}
		conn, err = d.DialContext(ctx, "tcp", c.config.Address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", c.config.Address)
	}
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	buffer := make([]byte, c.config.ReadBufferSize)
	var inbound []byte

	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			inbound = append(inbound, buffer[:n]...)

			for {
				line, used := utils.NextLine(inbound)
				if used == 0 {
					break
				}
				c.deliver(line)
				inbound = inbound[used:]
			}

			if len(inbound) > c.config.MaxResponseBytes {
				err = ErrResponseTooLarge
			}
		}

		if err != nil {
			if !c.isClosed() {
				c.connectionLost(conn, err)
			}
			return
		}
	}
}

// deliver completes the oldest request in flight.
func (c *Client) deliver(line []byte) {
	c.pendMu.Lock()
	if len(c.pending) == 0 {
		c.pendMu.Unlock()
		c.emitError(fmt.Errorf("unexpected response: %q", line))
		return
	}

	done := c.pending[0]
	c.pending = c.pending[1:]
	c.pendMu.Unlock()

	raw := make([]byte, len(line))
	copy(raw, line)
	done <- result{raw: raw}
}

func (c *Client) failPending(err error) {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendMu.Unlock()

	for _, done := range pending {
		done <- result{err: err}
	}
}

// connectionLost tears down conn after an I/O failure. It is a no-op if
// conn has already been replaced or closed.
func (c *Client) connectionLost(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.emitError(cause)
	c.failPending(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	c.setState(Disconnected, cause)
	c.triggerReconnect()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		if c.State() == Connected {
			continue
		}

		c.setState(Reconnecting, nil)

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		if c.isClosed() {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
