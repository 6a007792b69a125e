// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstate/kstate/broker"
	"github.com/kstate/kstate/executor"
	"github.com/kstate/kstate/manager"
	"github.com/kstate/kstate/runtimeconfig"
	"github.com/kstate/kstate/source"
	"github.com/kstate/kstate/statelog"
	"github.com/kstate/kstate/statemetrics"
)

func init() {
	var configFile string
	var sourceDir string
	var shutdownGracePeriod int

	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Start the engine against a configuration file",
		Long: `Start an instance of the engine.

The 'run' command loads a YAML configuration describing the group id, state
directory, and registered stores, then drives an identity pipeline over
the first configured store's topic until interrupted.

If --source-dir is given, records are replayed from a directory tree shaped
<source-dir>/<partition>/<file> instead of a live broker subscription.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
			cfg, err := runtimeconfig.Parse(raw)
			if err != nil {
				return fmt.Errorf("parsing config file: %w", err)
			}

			level := cfg.LogLevel
			if *logLevelOverride != "" {
				level = *logLevelOverride
			}
			if err := statelog.SetLevel(level); err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runEngine(ctx, cfg, sourceDir, time.Duration(shutdownGracePeriod)*time.Second)
		},
	}

	runCommand.Flags().StringVarP(&configFile, "config-file", "c", "", "set path of configuration file")
	runCommand.Flags().StringVarP(&sourceDir, "source-dir", "", "", "replay records from a directory tree instead of a live broker")
	runCommand.Flags().IntVar(&shutdownGracePeriod, "shutdown-grace-period", 10, "time (in seconds) to wait for graceful shutdown")
	runCommand.MarkFlagRequired("config-file")

	RootCommand.AddCommand(runCommand)
}

func runEngine(ctx context.Context, cfg *runtimeconfig.Config, sourceDir string, shutdownGrace time.Duration) error {
	log := statelog.Global()
	metrics := statemetrics.New()

	// No wire-level broker client ships in this repository; the in-memory
	// client stands in so file-replay pipelines and local development work
	// end to end. Production deployments swap in a real broker.Client here.
	client := broker.NewFake()
	defer client.Close()

	mgr := manager.New(cfg, client, metrics, log)
	if err := mgr.Init(); err != nil {
		return fmt.Errorf("initializing state directory: %w", err)
	}

	var storeNames []string
	for _, sc := range cfg.Stores {
		if sc.Windowed {
			if err := mgr.RegisterWindowedStore(sc.Topic, sc.Name); err != nil {
				return fmt.Errorf("registering windowed store %q: %w", sc.Name, err)
			}
		} else {
			if err := mgr.RegisterStore(sc.Topic, sc.Name); err != nil {
				return fmt.Errorf("registering store %q: %w", sc.Name, err)
			}
		}
		storeNames = append(storeNames, sc.Name)
	}

	if len(cfg.Stores) == 0 {
		return fmt.Errorf("config declares no stores")
	}
	topic := cfg.Stores[0].Topic

	pipeline := executor.Pipeline{executor.Map(func(r executor.Record) (executor.Record, error) { return r, nil })}
	exec := executor.New(client, mgr, topic, pipeline, storeNames, metrics, log)

	if sourceDir != "" {
		return runFromSource(ctx, exec, sourceDir, topic, shutdownGrace)
	}

	runErr := exec.Run(ctx)
	if closeErr := mgr.Close(context.Background()); closeErr != nil {
		log.WithField("error", closeErr).Error("closing state manager")
	}
	return runErr
}

func runFromSource(ctx context.Context, exec *executor.Executor, sourceDir, topic string, shutdownGrace time.Duration) error {
	src := source.NewFileSource(sourceDir, topic, true, shutdownGrace)
	_, partitions := src.Topic()
	for p := int32(0); p < partitions; p++ {
		exec.AssignSourcePartition(ctx, topic, p)
	}
	return src.Run(ctx, exec.SourceSink())
}
