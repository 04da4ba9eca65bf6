package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"example.com/servedir/v2/internal/config"
	"example.com/servedir/v2/internal/handlers/staticfileserver"
	"example.com/servedir/v2/internal/logger"
	"example.com/servedir/v2/internal/router"
	"example.com/servedir/v2/internal/server"
)

type cliOptions struct {
	configFile string
	host       string
	port       int
	prefix     string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:           "server [directory]",
		Short:         "serve a directory tree over HTTP with browsable listings",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			cfg, err := buildConfig(opts, dir)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&opts.configFile, "config", "", "configuration file (JSON or TOML); overrides the other flags")
	cmd.Flags().StringVar(&opts.host, "host", "127.0.0.1", "address to bind")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 8080, "port to listen on")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "/", "URL path the directory is mounted under")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", string(config.LogLevelInfo), "log level (DEBUG|INFO|WARNING|ERROR)")
	return cmd
}

// buildConfig loads the config file when one is given, otherwise builds an
// equivalent config from the flags with a single StaticFileServer mount.
func buildConfig(opts cliOptions, dir string) (*config.Config, error) {
	if opts.configFile != "" {
		return config.LoadConfig(opts.configFile)
	}

	if opts.port <= 0 || opts.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.port)
	}
	root, err := staticfileserver.CanonicalRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot serve %q: %w", dir, err)
	}
	prefix := opts.prefix
	if prefix == "" || prefix[0] != '/' {
		prefix = "/" + prefix
	}

	handlerCfg, err := json.Marshal(config.StaticFileServerConfig{DocumentRoot: root})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal static file server config: %w", err)
	}
	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	cfg := &config.Config{
		Server: &config.ServerConfig{Address: &addr},
		Routing: &config.RoutingConfig{
			Routes: []config.Route{{
				PathPattern:   prefix,
				MatchType:     config.MatchTypePrefix,
				HandlerType:   config.HandlerTypeStaticFileServer,
				HandlerConfig: handlerCfg,
			}},
		},
		Logging: &config.LoggingConfig{LogLevel: config.LogLevel(opts.logLevel)},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.HandlerTypeStaticFileServer, staticfileserver.Factory(cfg.OriginalFilePath)); err != nil {
		return err
	}

	appRouter, err := router.NewRouter(cfg.Routing.Routes, registry, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	srv, err := server.NewServer(cfg, appLogger, appRouter)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	appLogger.Info("Starting server", logger.LogFields{"address": *cfg.Server.Address, "routes": len(cfg.Routing.Routes)})
	if err := srv.Start(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err})
		return err
	}
	appLogger.Info("Server shut down gracefully")
	return nil
}
