package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/bridge"
	"github.com/wasmbind/wasmbind/internal/config"
	"github.com/wasmbind/wasmbind/internal/interp"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	manifest := flag.String("manifest", "", "Metadata manifest path (overrides config)")
	describe := flag.String("describe", "", "Print the descriptor of one callable and exit")
	call := flag.String("call", "", "Invoke one callable and print its results")
	args := flag.String("args", "", "Comma-separated arguments for -call")
	flag.Parse()

	// Initialize logger
	logger := zap.L()
	if *logLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}

	defer logger.Sync()

	logger.Info("Starting wasmbind",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *manifest != "" {
		cfg.ManifestPath = *manifest
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Boot the call bridge
	b, err := bridge.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create bridge", zap.Error(err))
	}
	defer b.Close(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	switch {
	case *describe != "":
		desc, err := b.Describe(*describe)
		if err != nil {
			logger.Fatal("Failed to describe callable", zap.Error(err))
		}
		fmt.Println(desc)

	case *call != "":
		vals, err := b.Call(ctx, *call, parseArgs(*args)...)
		if err != nil {
			logger.Fatal("Call failed", zap.Error(err))
		}
		for _, v := range vals {
			fmt.Println(v)
		}

	default:
		fmt.Printf("namespace %s:\n", b.Namespace())
		for _, name := range b.Names() {
			desc, err := b.Describe(name)
			if err != nil {
				logger.Warn("Skipping undescribable callable",
					zap.String("callable", name), zap.Error(err))
				continue
			}
			fmt.Printf("  %s\n", desc)
		}
	}

	logger.Info("Shutdown complete")
}

// parseArgs turns a comma-separated flag value into interpreter values:
// integers, floats, booleans and nil are recognized, everything else is a
// string.
func parseArgs(s string) []interp.Value {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	vals := make([]interp.Value, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch {
		case p == "nil":
			vals = append(vals, interp.Nil)
		case p == "true" || p == "false":
			vals = append(vals, interp.Bool(p == "true"))
		default:
			if n, err := strconv.ParseInt(p, 10, 64); err == nil {
				vals = append(vals, interp.Int(n))
			} else if f, err := strconv.ParseFloat(p, 64); err == nil {
				vals = append(vals, interp.Float(f))
			} else {
				vals = append(vals, interp.Str(strings.Trim(p, `"`)))
			}
		}
	}
	return vals
}
