package console

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/mqttconsole/internal/session"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
	"github.com/autopeer-io/mqttconsole/pkg/options"
)

// Server runs one session manager behind the HTTP API.
type Server struct {
	manager     *session.Manager
	api         *API
	http        *httpServer
	autoConnect bool
}

// SetDraft replaces the connection config used by the next connect, for
// example after the config file changed.
func (s *Server) SetDraft(cfg mqtt.ConnectionConfig) {
	s.api.SetDraft(cfg)
}

// Run starts the session manager and the HTTP server and blocks until ctx
// is done or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.manager.Run(ctx)
	})
	g.Go(func() error {
		return s.http.Start(ctx)
	})

	if s.autoConnect {
		g.Go(func() error {
			cfg := s.api.draft.get()
			if err := s.manager.Connect(ctx, cfg); err != nil && ctx.Err() == nil {
				// the failure is already in the event log
				log.Warn("Initial connect rejected", "broker", cfg.BrokerURL(), "error", err)
			}
			return nil
		})
	}

	log.Info("MQTT console starting...")
	return g.Wait()
}

type httpServer struct {
	server          *http.Server
	network         string
	shutdownTimeout time.Duration
}

func newHTTPServer(opts *options.HttpOptions, h http.Handler) *httpServer {
	return &httpServer{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           h,
			ReadHeaderTimeout: opts.Timeout,
		},
		network:         opts.Network,
		shutdownTimeout: opts.ShutdownTimeout,
	}
}

func (s *httpServer) Start(ctx context.Context) error {
	ln, err := net.Listen(s.network, s.server.Addr)
	if err != nil {
		return err
	}
	log.Info("Starting HTTP Server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
