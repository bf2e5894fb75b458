package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	"custody/internal/logging"
	mcpserver "custody/internal/mcp"
	"custody/internal/pipeline"
	"custody/internal/scenario"
	"custody/internal/transmit"
)

type serveFlags struct {
	scenario string
}

func newServeCmd(a *app) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Long: `Serve exposes sealing, runs, case records and ledger verification as MCP
tools over stdin/stdout. The analyzers come from --scenario when given;
otherwise only the built-in integrity analyzer is registered.

The server exits when its parent process goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, a, flags)
		},
	}
	cmd.Flags().StringVar(&flags.scenario, "scenario", "", "Scenario whose scripted analyzers the server registers")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, flags serveFlags) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	reg := analyzer.NewRegistry(consensus.Origin)
	if flags.scenario != "" {
		sc, err := scenario.Load(flags.scenario)
		if err != nil {
			st.Close()
			return err
		}
		if reg, err = scenarioRegistry(sc); err != nil {
			st.Close()
			return err
		}
	}
	if !reg.Known("integrity") {
		if err := reg.Register(analyzer.NewIntegrity("integrity", st)); err != nil {
			st.Close()
			return err
		}
	}

	opts, err := a.options(transmit.NewJSONL(cmd.ErrOrStderr()))
	if err != nil {
		st.Close()
		return err
	}
	coord, err := pipeline.New(ctx, st, reg, opts)
	if err != nil {
		st.Close()
		return err
	}
	defer coord.Close()

	srv := mcpserver.NewServer(coord, version)
	defer srv.Shutdown()

	mcpserver.WatchParent(ctx, 2*time.Second, cancel)

	logging.New("mcp").Info("starting custody MCP server over stdio", "analyzers", reg.IDs())
	return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}
