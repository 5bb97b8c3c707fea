package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chanrelay/internal/app"
)

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Forward posts from watched Telegram channels to one destination channel",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "config file (json, yaml or toml); empty for environment only")

	serve := newServeCmd(&cfgPath)
	root.AddCommand(serve, newChannelsCmd(&cfgPath))
	// serve is the default
	root.RunE = serve.RunE

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
				return errors.New("stopped unexpectedly")
			}
			return nil
		},
	}
}
