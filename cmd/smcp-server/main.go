// smcp-server runs the SMCP office server: Agents and Computers connect to
// the /smcp Socket.IO namespace, join offices and exchange tool requests
// through the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"smcp/internal/app"
	"smcp/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// errHelp is returned by loadConfig after printing usage.
var errHelp = errors.New("help requested")

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if errors.Is(err, errHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-application.Errors():
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
	}
	return serveErr
}

// loadConfig resolves defaults < config file < SMCP_* environment < flags.
func loadConfig(args []string, stderr io.Writer) (*config.Config, error) {
	var (
		configPath   string
		host         string
		port         int
		apiKey       string
		logLevel     string
		logFormat    string
		databasePath string
		policy       string
		callTimeout  time.Duration
	)

	flagSet := pflag.NewFlagSet("smcp-server", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON or YAML config file")
	flagSet.StringVar(&host, "host", "", "listen host")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (0 picks a free port)")
	flagSet.StringVar(&apiKey, "api-key", "", "shared API key; empty disables authentication")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flagSet.StringVar(&databasePath, "database", "", "event journal path; pass \"\" to disable the journal")
	flagSet.StringVar(&policy, "unassigned-policy", "", "identity policy before joining an office: exclusive or shared")
	flagSet.DurationVar(&callTimeout, "call-timeout", 0, "default timeout for bridged Computer calls")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("host") {
		cfg.HTTP.Host = host
	}
	if flagSet.Changed("port") {
		cfg.HTTP.Port = port
	}
	if flagSet.Changed("api-key") {
		cfg.Auth.APIKey = apiKey
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flagSet.Changed("database") {
		cfg.Database.Path = databasePath
	}
	if flagSet.Changed("unassigned-policy") {
		cfg.Router.UnassignedPolicy = policy
	}
	if flagSet.Changed("call-timeout") {
		cfg.Router.DefaultCallTimeout = config.Duration(callTimeout)
		if cfg.Router.MaxCallTimeout < cfg.Router.DefaultCallTimeout {
			cfg.Router.MaxCallTimeout = cfg.Router.DefaultCallTimeout
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
