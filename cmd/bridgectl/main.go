package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/hubbridge/internal/bridge"
	"github.com/danmuck/hubbridge/internal/catalog"
	"github.com/danmuck/hubbridge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("bridgectl", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to bridge config TOML")
	tokenEnv := flags.String("token-env", "", "environment variable holding the hub access token (default "+defaultTokenEnv+")")
	baseURL := flags.String("base-url", "", "hub base URL, overrides the config file")
	domains := flags.String("domains", "", "comma separated importable domains, overrides the config file")
	adminAddr := flags.String("admin-addr", "", "admin HTTP listen address, overrides the config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime()

	cfg, err := loadBridgeConfig(*configPath, *tokenEnv)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*baseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(*domains); v != "" {
		parsed, err := catalog.ParseDomains(v)
		if err != nil {
			return err
		}
		cfg.Domains = parsed
	}
	if v := strings.TrimSpace(*adminAddr); v != "" {
		cfg.AdminListenAddr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("bridge", cfg.Name).Str("config", *configPath).Msg("bridgectl starting")
	return bridge.New(cfg).Run(ctx)
}
