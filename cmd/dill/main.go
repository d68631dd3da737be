package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/dillproject/dill/internal/cli"
	"github.com/dillproject/dill/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dill: warning: failed to load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	var c cli.CLI
	kctx := kong.Parse(&c,
		kong.Name("dill"),
		kong.Description("Dill client: inspect parser trees and drive paused debuggees."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Vars{"address": cfg.Address},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	globals := cli.NewGlobals(ctx, &c, os.Stdout, os.Stderr)
	if err := kctx.Run(globals); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dill: %v\n", err)
		os.Exit(1)
	}
}
