// Package serverutil runs auxiliary HTTP endpoints of the controller,
// currently the Prometheus metrics listener.
package serverutil

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andrej220/winbatch/pkg/lg"
)

// Config holds the listener settings for an auxiliary HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the listener settings used when the caller
// only supplies an address.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Serve runs handler on cfg.Addr until ctx is cancelled, then shuts
// the server down gracefully within cfg.ShutdownTimeout. Listen
// failures are logged, not fatal: a broken metrics listener must not
// take the run down.
func Serve(ctx context.Context, cfg Config, handler http.Handler, log lg.Logger) {
	if log == nil {
		log = lg.Discard
	}
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("http listener starting", lg.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http listener failed", lg.String("addr", cfg.Addr), lg.Err(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http listener shutdown failed", lg.String("addr", cfg.Addr), lg.Err(err))
		}
	}()
}
