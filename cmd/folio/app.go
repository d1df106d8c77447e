package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/folio"
	"pkt.systems/folio/client"
	"pkt.systems/folio/internal/pathutil"
	"pkt.systems/folio/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FOLIO_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "folio")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliEnv carries what every subcommand needs to build a folio.App.
type cliEnv struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	env := &cliEnv{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "folio",
		Short:         "folio reads entitled documents from a digital library in the terminal",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(commandContextWithCorrelation(cmd))
		},
		Example: `
  # Sign in once; the credential is kept in ~/.folio/session.json
  folio --server https://library.example.com/api login --email ada@example.com

  # Page through a document with the arrow keys (Esc closes)
  folio read 64f0c2a1e4b0

  # Save the public cover preview
  folio preview 64f0c2a1e4b0 --out atlas.png
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.folio/"+folio.DefaultConfigFileName+")")
	flags.StringP("server", "s", folio.DefaultServer, "library backend base URL")
	flags.Duration("timeout", folio.DefaultHTTPTimeout, "per-request timeout")
	flags.Duration("renew-timeout", folio.DefaultRenewTimeout, "credential renewal timeout")
	flags.String("token-file", "", "session file (defaults to $HOME/.folio/"+folio.DefaultTokenFileName+")")
	flags.Int("mask-key", int(folio.DefaultMaskKey), "XOR key of page payloads")
	flags.Int("viewport-width", 0, "terminal columns to draw in when the size cannot be detected")
	flags.Int("viewport-height", 0, "terminal rows to draw in when the size cannot be detected")
	flags.Bool("no-prefetch", false, "do not fetch the next page ahead of time")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", folio.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Bool("enable-runtime-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	env.v.SetEnvPrefix("FOLIO")
	env.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.v.AutomaticEnv()
	for _, name := range []string{
		"config", "server", "timeout", "renew-timeout", "token-file", "mask-key",
		"viewport-width", "viewport-height", "no-prefetch",
		"otlp-endpoint", "metrics-listen", "enable-runtime-metrics", "log-level",
	} {
		mustBindFlag(env.v, name, flags.Lookup(name))
	}

	cmd.AddCommand(newLoginCommand(env))
	cmd.AddCommand(newLogoutCommand(env))
	cmd.AddCommand(newWhoamiCommand(env))
	cmd.AddCommand(newDocumentCommand(env))
	cmd.AddCommand(newReadCommand(env))
	cmd.AddCommand(newPreviewCommand(env))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

const envCorrelation = "FOLIO_CORRELATION_ID"

// resolveCorrelationID prefers FOLIO_CORRELATION_ID so a wrapper script can
// tie several invocations together.
func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := client.NormalizeCorrelationID(env); ok {
			return normalized
		}
	}
	return client.GenerateCorrelationID()
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return client.WithCorrelationID(ctx, resolveCorrelationID())
}

func mustBindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// loadConfigFile reads --config, or the default config file when it exists.
func (e *cliEnv) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(e.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := folio.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, folio.DefaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandAbs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	e.v.SetConfigFile(expanded)
	if err := e.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func (e *cliEnv) config() (folio.Config, error) {
	key := e.v.GetInt("mask-key")
	if key < 0 || key > 255 {
		return folio.Config{}, fmt.Errorf("--mask-key must be between 0 and 255, got %d", key)
	}
	return folio.Config{
		Server:               e.v.GetString("server"),
		HTTPTimeout:          e.v.GetDuration("timeout"),
		RenewTimeout:         e.v.GetDuration("renew-timeout"),
		TokenFile:            e.v.GetString("token-file"),
		MaskKey:              byte(key),
		MaskKeySet:           true,
		ViewportWidth:        e.v.GetInt("viewport-width"),
		ViewportHeight:       e.v.GetInt("viewport-height"),
		DisablePrefetch:      e.v.GetBool("no-prefetch"),
		OTLPEndpoint:         e.v.GetString("otlp-endpoint"),
		MetricsListen:        e.v.GetString("metrics-listen"),
		EnableRuntimeMetrics: e.v.GetBool("enable-runtime-metrics"),
		LogLevel:             e.v.GetString("log-level"),
	}, nil
}

// open loads the config file, builds the Config and opens the app. The
// returned close function flushes telemetry.
func (e *cliEnv) open(ctx context.Context) (*folio.App, func(), error) {
	configFile, err := e.loadConfigFile()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	logger, err := e.cliLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if isLogOff(cfg.LogLevel) {
		cfg.LogLevel = ""
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.config").Debug("cli.config.loaded", "path", configFile)
	}
	app, err := folio.Open(ctx, cfg, folio.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(shutdownCtx); err != nil {
			svcfields.WithSubsystem(logger, "cli.root").Warn("cli.shutdown.failed", "error", err)
		}
	}
	return app, closeFn, nil
}

// cliLogger returns the base logger at the requested level. Logging is off
// unless a level is given, so command output stays clean.
func (e *cliEnv) cliLogger(levelStr string) (pslog.Logger, error) {
	if isLogOff(levelStr) {
		return pslog.NoopLogger(), nil
	}
	levelStr = strings.ToLower(strings.TrimSpace(levelStr))
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", levelStr)
	}
	return e.logger.LogLevel(level), nil
}

func isLogOff(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "none", "off", "disabled":
		return true
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
