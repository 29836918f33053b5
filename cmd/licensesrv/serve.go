package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-licensesrv/cacher"
	"github.com/cyberinferno/go-licensesrv/config"
	"github.com/cyberinferno/go-licensesrv/dispatcher"
	"github.com/cyberinferno/go-licensesrv/logger"
	"github.com/cyberinferno/go-licensesrv/metrics"
	"github.com/cyberinferno/go-licensesrv/service"
	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/store/memstore"
	"github.com/cyberinferno/go-licensesrv/store/redisstore"
	"github.com/cyberinferno/go-licensesrv/tcpserver"
)

const (
	serviceName     = "licensesrv"
	shutdownTimeout = 5 * time.Second
	redisDialWait   = 5 * time.Second
)

func serve(ctx context.Context, cfg config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Service: serviceName, Level: level, Console: cfg.LogConsole, Dir: cfg.LogDir})
	if err != nil {
		return err
	}
	defer log.Close()

	st, cache, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var tlsCfg *tls.Config
	if cfg.TLSEnabled() {
		if tlsCfg, err = tcpserver.NewTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSCiphers); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	srv := tcpserver.New(tcpserver.Config{
		Name:          "license",
		Host:          cfg.Host,
		Port:          cfg.Port,
		TLS:           tlsCfg,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Backend:       cfg.Backend,
		Logger:        log,
	})

	d := dispatcher.New(dispatcher.Options{
		Store:              st,
		Cache:              cache,
		CacheTTL:           cfg.CacheTTL,
		MaxLineBytes:       cfg.MaxLineBytes,
		MaxPendingOutbound: tcpserver.DefaultMaxOutboundBytes,
		Recorder:           m,
		Logger:             log,
	})

	svc := service.New(service.Options{
		Server:       srv,
		Handler:      d,
		PollInterval: cfg.PollInterval,
		Observer:     m,
		Logger:       log,
	})

	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		if metricsLn, err = net.Listen("tcp", cfg.MetricsListen); err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	if metricsLn != nil {
		ln := metricsLn
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		log.Info("Serving metrics", logger.Field{Key: "addr", Value: ln.Addr().String()})

		g.Go(func() error {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// openStore returns the configured store and, for Redis, a catalog cache
// shared by every server on the same database. A nil cache selects the
// dispatcher's process-local cache.
func openStore(ctx context.Context, cfg config.Config) (store.Store, cacher.Cacher[*dispatcher.Catalog], error) {
	switch cfg.Store {
	case config.StoreRedis:
		dialCtx, cancel := context.WithTimeout(ctx, redisDialWait)
		defer cancel()

		st, err := redisstore.Open(dialCtx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}

		return st, cacher.NewRedisCacher[*dispatcher.Catalog](st.Client(), cfg.RedisPrefix+"cache:"), nil
	default:
		return memstore.New(), nil, nil
	}
}
