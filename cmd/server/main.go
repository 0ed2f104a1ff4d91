package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/router-for-me/ChatRelay/internal/app"
	"github.com/router-for-me/ChatRelay/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and starts the chat server.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	addr := fs.String("addr", "", "listen address, overrides server.addr")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	path := strings.TrimSpace(*cfgPath)
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	appCfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		appCfg.Server.Addr = trimmed
	}
	if errValidate := validateAddr(appCfg.Server.Addr); errValidate != nil {
		return errValidate
	}
	return app.RunServer(ctx, appCfg)
}

func validateAddr(addr string) error {
	_, portRaw, errSplit := net.SplitHostPort(addr)
	if errSplit != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, errSplit)
	}
	port, errPort := strconv.Atoi(portRaw)
	if errPort != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %s", portRaw)
	}
	return nil
}
