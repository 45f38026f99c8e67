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

	"github.com/rs/zerolog/log"
)

// Serve listens on srv.Addr and serves until ctx ends or the process
// receives SIGINT or SIGTERM. In-flight requests get up to timeout to
// complete, after which hooks run with the same deadline.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, hooks *ShutdownHooks) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, srv, ln, timeout, hooks)
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, hooks *ShutdownHooks) error {
	served := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("server: listening")
		served <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("server: shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	log.Info().Msg("server: stopped")
	return serveErr
}
