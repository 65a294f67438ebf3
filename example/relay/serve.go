package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/MegaGrindStone/go-ts3query/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type relayServer struct {
	cfg    *Config
	logger *slog.Logger

	client   *ts3query.Client
	relay    *relay.Relay
	registry *prometheus.Registry

	lost chan error
}

const (
	minReconnectDelay = 100 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Relay server notifications as Server-Sent Events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := ctx.config, ctx.logger

			l, err := net.Listen("tcp", cfg.Relay.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Listen, err)
			}

			s := newRelayServer(cfg, logger, newTransport(cfg, logger))
			return s.run(cmd.Context(), l)
		},
	}
}

func newRelayServer(cfg *Config, logger *slog.Logger, transport ts3query.Transport) *relayServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &relayServer{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		lost:     make(chan error, 1),
	}
	s.relay = relay.New(
		relay.WithLogger(logger.With(slog.String("component", "relay"))),
		relay.WithRegisterer(registry),
		relay.WithBufferSize(cfg.Relay.BufferSize),
	)
	s.client = newQueryClient(cfg, logger, transport, func(err error) {
		select {
		case s.lost <- err:
		default:
		}
	})
	return s
}

func (s *relayServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", s.relay.HandleSSE())
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := s.client.State()
		if state != ts3query.StateConnected {
			http.Error(w, state.String(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, state)
	})
	return mux
}

// run connects to the query server and serves the event stream on l until
// ctx is done. A lost query connection is re-established in the background
// of the running HTTP server.
func (s *relayServer) run(ctx context.Context, l net.Listener) error {
	kinds, err := s.cfg.NotificationTypes()
	if err != nil {
		return err
	}

	if err := openSession(ctx, s.client, s.cfg); err != nil {
		return err
	}
	defer s.client.Close()

	if _, err := s.relay.Attach(ctx, s.client, kinds...); err != nil {
		return err
	}
	s.logger.Info("relaying notifications",
		slog.String("server", s.cfg.Server.Address), slog.Int("kinds", len(kinds)))

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	serveErrs := make(chan error, 1)
	go func() {
		s.logger.Info("serving events", slog.String("addr", l.Addr().String()))
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(srv)
		case err := <-serveErrs:
			s.shutdown(srv)
			return fmt.Errorf("failed to serve: %w", err)
		case err := <-s.lost:
			s.logger.Warn("query connection lost, reconnecting", slog.Any("err", err))
			if err := s.reconnect(ctx); err != nil {
				return s.shutdown(srv)
			}
			s.logger.Info("query connection restored")
		}
	}
}

func (s *relayServer) reconnect(ctx context.Context) error {
	delay := max(time.Duration(s.cfg.Client.ReconnectDelay), minReconnectDelay)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		err := openSession(ctx, s.client, s.cfg)
		if err == nil {
			// Registrations do not survive the connection; the handlers do.
			if err = s.client.Resubscribe(ctx); err == nil {
				return nil
			}
			s.client.Close()
		}

		s.logger.Warn("failed to reconnect", slog.String("err", err.Error()), slog.Duration("retry", delay))
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *relayServer) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Event streams never go idle on their own, so they are closed first.
	var errs []error
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
	}
	return errors.Join(errs...)
}
