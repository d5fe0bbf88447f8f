// twinbusd runs a digital twin shell core: element persistence, asset
// connections, the request synchronization protocol and the message bus.
//
// Usage:
//
//	twinbusd [-env-file .env] [serve|broker]
//
// "serve" (the default) runs the twin. "broker" runs only the embedded
// message broker, for deployments where several twins share one broker.
// Configuration is read from TWINBUS_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/plaenen/twinbus/pkg/config"
	"github.com/plaenen/twinbus/pkg/runner"
	"github.com/plaenen/twinbus/pkg/runtime/broker"
)

var version = "dev"

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-env-file file] [serve|broker]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(context.Background(), *envFile, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "twinbusd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile, command string) error {
	cfg, err := config.Load(config.WithEnvFiles(envFile))
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr).With("version", version)
	slog.SetDefault(logger)

	var services []runner.Service
	switch command {
	case "", "serve":
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		services = a.services
	case "broker":
		nc := cfg.NATS()
		nc.UseEmbeddedBroker = true
		services = []runner.Service{broker.New(nc, broker.WithLogger(logger))}
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	return runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(15*time.Second),
	).Run(ctx)
}
