// Package dispatcher implements the license server protocol: newline
// delimited JSON requests read from a connection's inbound buffer, one JSON
// response line per request written to its outbound buffer, in order.
//
// Every request is an object with an "action" key. Every response carries
// "success"; failures add "error" (human readable) and "errorcode" (stable).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyberinferno/go-licensesrv/cacher"
	"github.com/cyberinferno/go-licensesrv/logger"
	"github.com/cyberinferno/go-licensesrv/perfmonitor"
	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
)

const (
	// DefaultMaxLineBytes bounds a single request line.
	DefaultMaxLineBytes = 256 * 1024
	// DefaultCacheTTL bounds how long a catalog snapshot is reused.
	DefaultCacheTTL = 5 * time.Minute
)

// ErrLineTooLong is returned by Serve after it has answered a request line
// longer than the configured limit. The caller should close the connection
// once the response is flushed.
var ErrLineTooLong = errors.New("request line too long")

// Conn is the part of a connection the dispatcher uses. It is satisfied by
// *tcpserver.Connection.
type Conn interface {
	ID() uint64
	Inbound() []byte
	Consume(n int)
	Write(p []byte) (int, error)
	PendingOutbound() int
}

// Recorder receives one observation per handled request. result is "ok" or
// the response errorcode.
type Recorder interface {
	ObserveRequest(action, result string, elapsed time.Duration)
}

// Options configures a Dispatcher.
type Options struct {
	Store store.Store
	// Cache holds catalog snapshots. Nil selects a process-local cache.
	Cache    cacher.Cacher[*Catalog]
	CacheTTL time.Duration

	MaxLineBytes int
	// MaxPendingOutbound stops Serve from answering further requests while
	// the connection has at least this many unsent bytes. Zero disables it.
	MaxPendingOutbound int
	// RequestTimeout bounds the store calls of one request. Zero disables
	// it.
	RequestTimeout time.Duration

	Recorder Recorder
	Logger   logger.Logger
}

// Dispatcher routes requests to their action handlers. Serve must not be
// called concurrently for the same connection; different connections may be
// served in parallel.
type Dispatcher struct {
	store          store.Store
	cache          cacher.Cacher[*Catalog]
	cacheTTL       time.Duration
	maxLine        int
	maxPending     int
	requestTimeout time.Duration
	recorder       Recorder
	logger         logger.Logger
	handlers       map[string]handlerFunc
	now            func() time.Time
}

type handlerFunc func(ctx context.Context, req request) (any, error)

// New creates a Dispatcher.
//
// Parameters:
//   - opts: Dispatcher options; Store is required
//
// Returns:
//   - A new Dispatcher
func New(opts Options) *Dispatcher {
	if opts.Cache == nil {
		opts.Cache = cacher.NewMemoryCacher[*Catalog](DefaultCacheTTL, time.Minute)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	d := &Dispatcher{
		store:          opts.Store,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		maxLine:        opts.MaxLineBytes,
		maxPending:     opts.MaxPendingOutbound,
		requestTimeout: opts.RequestTimeout,
		recorder:       opts.Recorder,
		logger:         opts.Logger.With(logger.Field{Key: "component", Value: "dispatcher"}),
		now:            time.Now,
	}

	d.handlers = map[string]handlerFunc{
		"verify_serial":          d.verifySerial,
		"revoke_restore_license": d.revokeRestoreLicense,
		"create_license":         d.createLicense,
		"get_licenses":           d.getLicenses,
		"add_history":            d.addHistory,
		"get_history":            d.getHistory,
		"set_major_ver":          d.setMajorVer,
		"get_major_vers":         d.getMajorVers,
		"delete_product":         d.deleteProduct,
		"create_product":         d.createProduct,
		"get_products":           d.getProducts,
	}

	return d
}

// Serve answers every complete request line buffered on conn, in arrival
// order, and consumes them. A trailing partial line is left for the next
// call.
//
// Parameters:
//   - ctx: Context for the store calls
//   - conn: The connection to serve
//
// Returns:
//   - The number of requests answered
//   - ErrLineTooLong after answering an oversized line, or the error of a
//     failed write
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) (int, error) {
	handled := 0
	for d.maxPending <= 0 || conn.PendingOutbound() < d.maxPending {
		buf := conn.Inbound()
		line, n := utils.NextLine(buf)
		if n == 0 {
			if len(buf) > d.maxLine {
				return handled, d.rejectLine(conn, len(buf))
			}
			return handled, nil
		}

		if len(line) > d.maxLine {
			conn.Consume(n)
			return handled, d.rejectLine(conn, len(line))
		}

		resp := d.Handle(ctx, conn.ID(), line)
		conn.Consume(n)
		handled++

		if _, err := conn.Write(resp); err != nil {
			return handled, err
		}
	}

	return handled, nil
}

func (d *Dispatcher) rejectLine(conn Conn, size int) error {
	d.logger.Warn("Request line too long",
		logger.Field{Key: "conn_id", Value: conn.ID()},
		logger.Field{Key: "size", Value: size},
		logger.Field{Key: "limit", Value: d.maxLine})
	d.observe("", CodeLineTooLong, 0)

	resp := d.encode(errorResponseOf(newError(CodeLineTooLong, fmt.Sprintf("Request line exceeds %d bytes.", d.maxLine))))
	conn.Consume(len(conn.Inbound()))
	if _, err := conn.Write(resp); err != nil {
		return err
	}

	return ErrLineTooLong
}

// Handle answers a single request line and returns the encoded response
// including its trailing newline.
func (d *Dispatcher) Handle(ctx context.Context, connID uint64, line []byte) []byte {
	pm := perfmonitor.StartNew()

	action, resp := d.route(ctx, line)
	result := resultOK
	if e, ok := resp.(errorResponse); ok {
		result = e.ErrorCode
	}

	pm.Stop()
	d.observe(action, result, pm.Elapsed())

	if d.logger.Enabled(zerolog.DebugLevel) {
		d.logger.Debug("Request handled",
			logger.Field{Key: "conn_id", Value: connID},
			logger.Field{Key: "action", Value: action},
			logger.Field{Key: "result", Value: result},
			logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()})
	}

	return d.encode(resp)
}

func (d *Dispatcher) route(ctx context.Context, line []byte) (string, any) {
	req, ok := parseRequest(line)
	if !ok || !req.has("action") {
		return "", errorResponseOf(newError(CodeInvalidRequest, "Invalid request."))
	}

	action, _ := req.str("action")
	handler, ok := d.handlers[action]
	if !ok {
		return "unknown", errorResponseOf(newError(CodeUnknownAction, "Unknown 'action'."))
	}

	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}

	resp, err := handler(ctx, req)
	if err != nil {
		return action, d.failure(action, err)
	}

	return action, resp
}

func (d *Dispatcher) failure(action string, err error) errorResponse {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: "An internal error occurred.", Err: err}
	}

	if e.Code == CodeDBException || e.Code == CodeInternal {
		d.logger.Warn("Request failed",
			logger.Field{Key: "action", Value: action},
			logger.Field{Key: "errorcode", Value: e.Code},
			errField(e.Err))
	}

	return errorResponseOf(e)
}

func (d *Dispatcher) encode(resp any) []byte {
	data, err := utils.MarshalLine(resp)
	if err != nil {
		d.logger.Error("Failed to encode response", errField(err))
		data, _ = utils.MarshalLine(errorResponseOf(newError(CodeInternal, "An internal error occurred.")))
	}

	return data
}

func (d *Dispatcher) observe(action, result string, elapsed time.Duration) {
	if d.recorder != nil {
		d.recorder.ObserveRequest(action, result, elapsed)
	}
}

func errField(err error) logger.Field {
	return logger.Field{Key: "error", Value: err}
}
