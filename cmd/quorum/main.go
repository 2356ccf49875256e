// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command quorum runs the multi-model deliberation server.
//
// Usage:
//
//	quorum serve --config quorum.yaml
//	quorum validate --config quorum.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/quorum/pkg/config"
	"github.com/kadirpekel/quorum/pkg/council"
	"github.com/kadirpekel/quorum/pkg/logger"
	"github.com/kadirpekel/quorum/pkg/metrics"
	"github.com/kadirpekel/quorum/pkg/model"
	"github.com/kadirpekel/quorum/pkg/model/openaicompat"
	"github.com/kadirpekel/quorum/pkg/push"
	"github.com/kadirpekel/quorum/pkg/server"
	"github.com/kadirpekel/quorum/pkg/store"
	"github.com/kadirpekel/quorum/pkg/title"
)

// Exit codes from startup validation.
const (
	exitConfigInvalid  = 1
	exitUnreachable    = 2
	exitModelsNotReady = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the deliberation server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration and model availability."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"quorum.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("quorum version %s\n", version)
	return nil
}

// ValidateCmd loads the config and checks the model backend, then exits
// with the startup validation exit code.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, loader, err := config.LoadFile(ctx, cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	defer loader.Close()

	client := openaicompat.New(cfg.ResolveEndpoint)
	if err := client.ValidateModels(ctx, cfg); err != nil {
		exitForModelError(err)
	}

	fmt.Println("Configuration OK; all models loaded.")
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := config.LoadFile(ctx, cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		fmt.Fprintln(os.Stderr, "Hint: check the named key in your config file.")
		os.Exit(exitConfigInvalid)
	}
	defer loader.Close()

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Config watch stopped", "error", err)
			}
		}()
	}

	client := openaicompat.New(cfg.ResolveEndpoint)

	validateCtx, validateCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := client.ValidateModels(validateCtx, cfg); err != nil {
		validateCancel()
		exitForModelError(err)
	}
	validateCancel()

	st, err := store.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}

	tracker := metrics.NewTracker()
	broker := push.NewBroker(0)
	titles := title.NewService(st, client, broker, cfg)
	runner := council.NewRunner(client, tracker, cfg)
	controller := council.NewController(st, runner, tracker, titles)
	srv := server.New(cfg, st, controller, broker)

	titles.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	titles.Stop()
	broker.Close()
	return nil
}

// exitForModelError prints the failure and exits with the matching code.
func exitForModelError(err error) {
	var me *model.Error
	kind := model.KindOf(err)
	subject := ""
	if errors.As(err, &me) && me.Model != "" {
		subject = " (" + me.Model + ")"
	}

	switch kind {
	case model.KindUnreachableEndpoint:
		fmt.Fprintf(os.Stderr, "Model backend unreachable%s: %v\n", subject, err)
		fmt.Fprintln(os.Stderr, "Hint: is the inference server running at the configured api_base_url?")
		os.Exit(exitUnreachable)
	case model.KindModelNotLoaded:
		fmt.Fprintf(os.Stderr, "Required models not loaded%s: %v\n", subject, err)
		fmt.Fprintln(os.Stderr, "Hint: load the configured council and chairman models on the server.")
		os.Exit(exitModelsNotReady)
	default:
		fmt.Fprintf(os.Stderr, "Model validation failed%s: %v\n", subject, err)
		os.Exit(exitUnreachable)
	}
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("quorum"),
		kong.Description("Quorum - multi-model deliberation server"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigInvalid)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(exitConfigInvalid)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
