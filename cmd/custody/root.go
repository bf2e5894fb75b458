package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"custody/internal/config"
	"custody/internal/logging"
	"custody/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	configPath   string
	dbPath       string
	logLevel     string
	logFormat    string
	otelEndpoint string
	output       string
}

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	flags    rootFlags
	cfg      config.Config
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "custody",
		Short: "Chain-of-custody sealing and consensus verdicts for evidence",
		Long: `custody seals raw evidence with a content digest and custody signature,
passes it through integrity gates, runs independent analyzers over it and
reconciles their findings into sealed verdicts. Every seal event is written
to a hash-chained audit ledger.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.shutdown(ctx)
		},
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.flags.configPath, "config", "", "YAML config file")
	f.StringVar(&a.flags.dbPath, "db", "", "SQLite database path (overrides config)")
	f.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&a.flags.logFormat, "log-format", "", "Log format: text or json")
	f.StringVar(&a.flags.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP trace endpoint URL (empty disables tracing)")
	f.StringVar(&a.flags.output, "output", "table", "Output format: table, markdown or json")

	root.AddCommand(
		newSealCmd(a),
		newRunCmd(a),
		newCaseCmd(a),
		newLedgerCmd(a),
		newExportCmd(a),
		newVerifyExportCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration (defaults, file, environment, then flags) and
// installs logging and tracing.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = a.flags.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.flags.logFormat
	}
	if flags.Changed("otel-endpoint") {
		cfg.OTelEndpoint = a.flags.otelEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()); err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(cmd.Context(), telemetry.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	return nil
}
