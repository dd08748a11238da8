package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relstate/relstate/internal/config"
	"github.com/relstate/relstate/internal/debug"
	"github.com/relstate/relstate/internal/metrics"
	"github.com/relstate/relstate/internal/schema"
	"github.com/relstate/relstate/internal/server"
	"github.com/relstate/relstate/internal/storage/factory"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagVerbose || cfg.Verbose {
		debug.SetVerbose(true)
	}

	sch, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		return err
	}
	debug.Logf("serve: schema %s", sch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown, err := metrics.InitProviders(ctx,
			time.Duration(cfg.Metrics.IntervalSeconds)*time.Second)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Printf("serve: telemetry shutdown: %v", err)
			}
		}()
	}

	st, err := factory.Open(cfg.Storage.Backend, cfg.Storage.DSN, sch)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("serve: storage close: %v", err)
		}
	}()

	srv, err := server.New(cfg.ListenAddr, sch, st, nil, nil)
	if err != nil {
		return err
	}

	stopWatch, err := config.Watch(flagConfig, func(next *config.Config) {
		debug.SetVerbose(flagVerbose || next.Verbose)
		log.Printf("serve: config reloaded")
	})
	if err != nil {
		debug.Logf("serve: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	log.Printf("serve: listening on %s (storage: %s)", cfg.ListenAddr, cfg.Storage.Backend)
	return srv.Start(ctx)
}
