// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Serve listens on the configured address and serves handler until ctx is
// done, then shuts down the server and the service.
func Serve(ctx context.Context, svc *Service, handler http.Handler) error {
	ln, err := net.Listen("tcp", svc.Config().Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", svc.Config().Server.Addr, err)
	}
	return ServeListener(ctx, svc, handler, ln)
}

// ServeListener is Serve on an existing listener, which it closes.
//
// Description:
//
//	Starts the service, then serves until ctx is done or the server
//	fails. Either way the server is shut down gracefully within the
//	configured shutdown timeout and the service is closed.
func ServeListener(ctx context.Context, svc *Service, handler http.Handler, ln net.Listener) error {
	if err := svc.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Mill server listening", slog.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down mill server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.Config().Server.ShutdownTimeout.Std())
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), svc.Close(shutdownCtx))
	})
	return g.Wait()
}
