// Command agentmesh runs a standalone mesh node: it joins the local network,
// maintains peer connections, and exposes health and Prometheus metrics over
// HTTP.
//
// Usage:
//
//	agentmesh serve                        # start a node
//	agentmesh serve --config mesh.yaml     # with a config file
//	agentmesh version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentmesh"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/identity"
	"github.com/BaSui01/agentmesh/internal/metrics"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	name := fs.String("name", "", "Display name announced to peers (default: hostname)")
	metricsAddr := fs.String("metrics-addr", "", "Address for the health/metrics HTTP endpoint (empty disables it)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "console", "Log format: console or json")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(*logLevel, *logFormat)
	defer logger.Sync()

	logger.Info("starting agentmesh",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	displayName := *name
	if displayName == "" {
		displayName, _ = os.Hostname()
	}

	var id *identity.NodeIdentity
	if cfg.IdentityPath != "" {
		id, err = identity.LoadOrGenerate(cfg.IdentityPath, displayName, logger)
	} else {
		id, err = identity.Generate(displayName)
	}
	if err != nil {
		logger.Fatal("node identity unavailable", zap.Error(err))
	}
	logger.Info("node identity",
		zap.String("peer_id", id.PeerID.String()),
		zap.String("display_name", id.DisplayName))

	collector := metrics.NewCollector("agentmesh", logger)
	node, err := agentmesh.New(id, &cfg,
		agentmesh.WithLogger(logger),
		agentmesh.WithMetrics(collector))
	if err != nil {
		logger.Fatal("node construction failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Fatal("node start failed", zap.Error(err))
	}

	var ops *opsServer
	if *metricsAddr != "" {
		ops = newOpsServer(*metricsAddr, node, collector, logger)
		ops.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutdown signal received", zap.String("signal", s.String()))

	if ops != nil {
		ops.Stop()
	}
	node.Stop()
	logger.Info("agentmesh stopped")
}

func printVersion() {
	fmt.Printf("agentmesh %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentmesh - LAN federation for agent-hosting instances

Usage:
  agentmesh <command> [options]

Commands:
  serve     Start a mesh node
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>        Path to configuration file (YAML)
  --name <name>          Display name announced to peers (default: hostname)
  --metrics-addr <addr>  Health/metrics HTTP endpoint, e.g. :9472
  --log-level <level>    debug, info, warn, error (default: info)
  --log-format <format>  console or json (default: console)

Examples:
  agentmesh serve
  agentmesh serve --config /etc/agentmesh/mesh.yaml --metrics-addr :9472
  agentmesh version`)
}

func initLogger(level, format string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
