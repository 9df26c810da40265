package cli

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"refframe/internal/grpcserver"
	"refframe/internal/server"
	"refframe/internal/watch"
)

// serve runs the HTTP API, the gRPC service and the optional directory
// watcher until ctx ends or one of them fails.
func (r *Root) serve(ctx context.Context, opts serveOptions) error {
	if r.pipeline == nil {
		return errNoPipeline
	}
	if r.store == nil {
		return errNoStore
	}
	defaults := r.cfg.Mosaic.Options

	var watcher *watch.Watcher
	if opts.WatchDir != "" {
		w, err := watch.New(opts.WatchDir, r.submitLocal, watch.Options{ScanExisting: opts.ScanExisting}, r.log)
		if err != nil {
			return fmt.Errorf("watch %s: %w", opts.WatchDir, err)
		}
		watcher = w
	}

	g, ctx := errgroup.WithContext(ctx)

	httpServer := server.NewServer(opts.Addr, r.store, r.pipeline, defaults, r.log)
	g.Go(func() error { return httpServer.Start(ctx) })

	if opts.GRPCAddr != "" {
		rpc := grpcserver.New(r.pipeline, r.store, defaults, r.log)
		g.Go(func() error { return rpc.Start(ctx, opts.GRPCAddr) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	r.log.Info("server ready",
		"addr", opts.Addr,
		"grpc_addr", opts.GRPCAddr,
		"endpoints", []string{"/healthz", "/runs", "/runs/{id}", "/runs/{id}/reference.png", "/stream", "/ws/progress"},
	)
	return g.Wait()
}
