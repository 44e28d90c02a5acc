// Command graphsync-node runs one replica of a session graph and keeps it
// in sync with its configured peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/server"
)

func main() {
	configPath := flag.String("config", "graphsync.yaml", "Node configuration file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "graphsync-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, levelOverride string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	level := func(c *Config) logging.Level {
		if levelOverride != "" {
			return logging.ParseLevel(levelOverride)
		}
		return logging.ParseLevel(c.LogLevel)
	}
	logger := logging.NewJSONLogger(os.Stdout, level(cfg))
	logging.SetDefaultLogger(logger)

	signals := server.NewSignalHandler(logger)
	defer signals.Stop()
	signals.SetConfigReloadFunc(func() error {
		next, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger.SetLevel(level(next))
		logger.Info("log level applied, other settings take effect on restart",
			logging.String("level", logger.GetLevel().String()))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		node.Close()
		return err
	}

	signals.Wait(ctx)
	cancel()
	return node.Close()
}
