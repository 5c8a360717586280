package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatline/internal/relay"
	"github.com/zulandar/chatline/internal/server"
	"github.com/zulandar/chatline/internal/stall"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API",
		Long: `Starts the HTTP API: sends, conversation management, live SSE views,
prompts, export and the stalled-reply report. Unless the configured source is
itself a relay, POST /api/chat relays the upstream model for other instances.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "answer with the echo source instead of the configured model")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, dryRun bool) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if port != 0 {
		cfg.Server.Port = port
	}

	source := a.source(dryRun)
	asm, err := a.assembler(source)
	if err != nil {
		return err
	}
	pub, err := a.mirror()
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}
	gist, err := a.gist()
	if err != nil {
		return err
	}
	sweeper, err := stall.New(stall.Opts{Store: a.store, Timeout: cfg.Stall.Timeout})
	if err != nil {
		return err
	}

	opts := server.Opts{
		Store:             a.store,
		Prompts:           a.store,
		Owner:             cfg.Owner,
		NewController:     a.controllerFactory(asm, pub),
		IdleDebounce:      cfg.Chat.IdleDebounce,
		StreamingDebounce: cfg.Chat.StreamingDebounce,
		Gist:              gist,
		Sweeper:           sweeper,
		Port:              cfg.Server.Port,
		Out:               cmd.OutOrStdout(),
	}
	if dryRun || cfg.LLM.Provider != "relay" {
		h, err := relay.New(source, cfg.LLM.MaxTokens)
		if err != nil {
			return err
		}
		opts.Relay = h
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	swept, err := sweeper.Schedule(ctx, cfg.Stall.Schedule)
	if err != nil {
		return err
	}
	err = srv.Start(ctx)
	cancel()
	<-swept
	return err
}
