package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osheridan/pagepilot/pkg/approval"
	"github.com/osheridan/pagepilot/pkg/config"
	"github.com/osheridan/pagepilot/pkg/driver"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/run"
	"github.com/osheridan/pagepilot/pkg/server"
	"github.com/osheridan/pagepilot/pkg/session"
)

// Version information - set via ldflags during build
var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		listenFlag  = flag.String("listen", "", "override listen address")
		loopback    = flag.Bool("loopback", false, "execute tool requests against the embedded actuator")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pagepilot %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagepilot: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *loopback {
		cfg.Loopback = true
	}

	log := observability.NewLogger("pagepilot", observability.ParseLevel(cfg.LogLevel))

	registry := session.NewRegistry(log)
	policy := approval.NewPolicy(cfg.AutoRun, cfg.DangerWords)
	controller := run.NewController(&driver.CommandDriver{}, policy, log)
	controller.KeepAlive = cfg.KeepAlive()
	srv := server.New(cfg, registry, controller, log)

	httpSrv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Routes(),
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", slog.String("addr", cfg.Listen), slog.Bool("loopback", cfg.Loopback))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
