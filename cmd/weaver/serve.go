package main

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/weaver/internal/bridge"
	"github.com/hpungsan/weaver/internal/kv"
	"github.com/hpungsan/weaver/internal/mcp"
	"github.com/hpungsan/weaver/internal/service"
	"github.com/hpungsan/weaver/internal/web"
)

// errStdinClosed ends the run group when the MCP client goes away.
var errStdinClosed = stderrors.New("mcp stdin closed")

// runServer runs until SIGINT or SIGTERM, or until the MCP client closes stdin.
func runServer(env *appEnv, withMCP bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, env, withMCP)
}

// serve wires the store, the bridge, the service, the HTTP server and
// optionally the MCP tools, and runs them until ctx is done. The service
// flushes pending metadata before serve returns.
func serve(ctx context.Context, env *appEnv, withMCP bool) error {
	cfg := env.cfg
	log := env.log

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn().Strs("tools", unknown).Msg("unknown tools in disabled_tools")
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		log.Warn().Strs("types", unknown).Msg("unknown types in disabled_types")
	}

	b := bridge.New(
		bridge.WithCommandTimeout(cfg.CommandTimeout.Std()),
		bridge.WithAllowedOrigins(cfg.AllowedOrigins),
		bridge.WithLogger(log.Component("bridge")),
	)
	defer b.Close()

	svc := service.New(kv.NewSQL(env.db), b, cfg,
		service.WithLogger(log.Logger),
		service.WithEvents(b.Events()),
	)
	b.SetDispatcher(svc.Router())

	srv := web.NewServer(svc, b, cfg, Version, log.Component("web"))

	log.Info().
		Str("dir", env.baseDir).
		Str("version", Version).
		Bool("mcp", withMCP).
		Msg("weaver starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return web.Run(gctx, srv, log.Component("web")) })
	if withMCP {
		g.Go(func() error {
			err := mcp.Run(gctx, svc.Handlers(), cfg, Version)
			if err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return errStdinClosed
		})
	}

	err := g.Wait()
	if stderrors.Is(err, errStdinClosed) || stderrors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("weaver stopped")
	} else {
		log.Info().Msg("weaver stopped")
	}
	return err
}
