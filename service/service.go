// Package service drives the license server: one goroutine polls the
// connection engine and hands every ready connection to the dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-licensesrv/dispatcher"
	"github.com/cyberinferno/go-licensesrv/logger"
	"github.com/cyberinferno/go-licensesrv/tcpserver"
)

// DefaultPollInterval is the longest single wait for readiness.
const DefaultPollInterval = time.Second

// Handler serves the buffered requests of one connection. It is satisfied
// by *dispatcher.Dispatcher.
type Handler interface {
	Serve(ctx context.Context, conn dispatcher.Conn) (int, error)
}

// Observer receives connection events. It is satisfied by *metrics.Metrics.
type Observer interface {
	ConnectionAccepted()
	ConnectionRemoved(reason string, received, sent uint64)
	SetActive(n int)
}

// Options configures a Service.
type Options struct {
	Server       *tcpserver.Server
	Handler      Handler
	PollInterval time.Duration
	// Observer is optional.
	Observer Observer
	Logger   logger.Logger
}

// Service owns the reactor loop. Run must be called at most once.
type Service struct {
	srv          *tcpserver.Server
	handler      Handler
	pollInterval time.Duration
	observer     Observer
	logger       logger.Logger
}

// New creates a Service around a stopped server.
func New(opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	return &Service{
		srv:          opts.Server,
		handler:      opts.Handler,
		pollInterval: opts.PollInterval,
		observer:     opts.Observer,
		logger:       opts.Logger.With(logger.Field{Key: "component", Value: "service"}),
	}
}

// Run starts the server and serves connections until ctx is cancelled,
// then stops the server. It returns nil after a cancellation and the
// failure otherwise.
//
// Parameters:
//   - ctx: Cancelling it shuts the service down
//
// Returns:
//   - An error if the server cannot start or the backend fails
func (s *Service) Run(ctx context.Context) error {
	if err := s.srv.Start(); err != nil {
		return err
	}

	stopWake := context.AfterFunc(ctx, s.srv.Wake)
	defer stopWake()

	for ctx.Err() == nil {
		res, err := s.srv.Poll(s.pollInterval)
		if err != nil {
			s.shutdown()
			return fmt.Errorf("poll: %w", err)
		}

		s.handle(ctx, res)
	}

	s.shutdown()
	return nil
}

func (s *Service) handle(ctx context.Context, res *tcpserver.PollResult) {
	for _, c := range res.Accepted {
		s.logger.Info("Client connected",
			logger.Field{Key: "conn_id", Value: c.ID()},
			logger.Field{Key: "remote_addr", Value: c.RemoteAddr()},
			logger.Field{Key: "tls", Value: c.IsTLS()})
		if s.observer != nil {
			s.observer.ConnectionAccepted()
		}
	}

	for _, c := range res.Ready {
		s.serve(ctx, c)
	}

	s.removed(res.Removed)
}

func (s *Service) serve(ctx context.Context, c *tcpserver.Connection) {
	_, err := s.handler.Serve(ctx, c)
	switch {
	case errors.Is(err, dispatcher.ErrLineTooLong):
		_ = s.srv.CloseAfterFlush(c.ID())
		return
	case err != nil:
		s.logger.Warn("Failed to queue response",
			logger.Field{Key: "conn_id", Value: c.ID()},
			logger.Field{Key: "error", Value: err})
		_ = s.srv.Close(c.ID())
		return
	}

	if c.PendingOutbound() > 0 {
		s.srv.UpdateReadinessInterest(c.ID())
	}
}

func (s *Service) removed(removals []tcpserver.Removal) {
	for _, rm := range removals {
		fields := []logger.Field{
			{Key: "conn_id", Value: rm.Conn.ID()},
			{Key: "remote_addr", Value: rm.Conn.RemoteAddr()},
			{Key: "reason", Value: string(rm.Reason)},
			{Key: "bytes_received", Value: rm.Conn.BytesReceived()},
			{Key: "bytes_sent", Value: rm.Conn.BytesSent()},
		}
		if rm.Err != nil {
			fields = append(fields, logger.Field{Key: "error", Value: rm.Err})
		}
		s.logger.Info("Client disconnected", fields...)

		if s.observer != nil {
			s.observer.ConnectionRemoved(string(rm.Reason), rm.Conn.BytesReceived(), rm.Conn.BytesSent())
		}
	}

	if s.observer != nil {
		s.observer.SetActive(s.srv.Len())
	}
}

func (s *Service) shutdown() {
	s.removed(s.srv.Stop())
}
