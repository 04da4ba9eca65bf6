package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"example.com/servedir/v2/internal/config"
	"example.com/servedir/v2/internal/logger"
	"example.com/servedir/v2/internal/util"
)

const readHeaderTimeout = 10 * time.Second

// Server manages the HTTP server lifecycle: listening, serving HTTP/1.1 and
// cleartext HTTP/2, access logging and graceful shutdown.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	router http.Handler
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, router http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	return &Server{cfg: cfg, log: lg, router: router}, nil
}

// Handler returns the full request pipeline: access logging around the
// router, upgraded to accept prior-knowledge HTTP/2 (h2c).
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.accessLog(s.router), &http2.Server{})
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server != nil && s.cfg.Server.GracefulShutdownTimeout != nil {
		return s.cfg.Server.GracefulShutdownTimeout.Duration
	}
	return config.DefaultGracefulShutdownTimeout
}

// Start listens on the configured address and serves until SIGINT or
// SIGTERM. SIGHUP reopens file-based log targets.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err})
				} else {
					s.log.Info("Reopened log files")
				}
			}
		}
	}()

	return s.Run(ctx)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Server == nil || s.cfg.Server.Address == nil || *s.cfg.Server.Address == "" {
		return fmt.Errorf("server listen address (server.address) is not configured")
	}
	addr := *s.cfg.Server.Address

	l, err := util.CreateListener("tcp", addr)
	if err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s is already in use: %w", addr, err)
		}
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done, then shuts down
// gracefully within the configured timeout. l is closed on return.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.log.Info("Server listening", logger.LogFields{"address": l.Addr().String()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		s.log.Info("Shutting down server", logger.LogFields{"timeout": s.shutdownTimeout().String()})
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// statusRecorder captures the status code and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			p := recover()
			if p != nil && p != http.ErrAbortHandler {
				s.log.Error("Handler panicked", logger.LogFields{"panic": fmt.Sprint(p), "path": req.URL.Path})
				if rec.status == 0 {
					WriteErrorResponse(rec, req, http.StatusInternalServerError, "", s.log)
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			s.log.Access(req, status, rec.bytes, time.Since(start))
			if p == http.ErrAbortHandler {
				panic(p)
			}
		}()
		next.ServeHTTP(rec, req)
	})
}
