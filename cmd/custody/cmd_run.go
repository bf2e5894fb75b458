package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	"custody/internal/display"
	"custody/internal/format"
	"custody/internal/pipeline"
	"custody/internal/scenario"
	"custody/internal/transmit"
)

type runFlags struct {
	list      bool
	brief     bool
	jsonlPath string
	noCheck   bool
}

func newRunCmd(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Seal a scenario's evidence, run its analyzers and report verdicts",
		Long: `Run loads a scenario (a built-in name or a YAML/JSON file), seals its
evidence into the scenario's case, runs every scripted analyzer and reconciles
their findings. Verdicts are then sent through the output gate. The command
fails when a verdict differs from the scenario's expectations.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.list {
				for _, name := range scenario.Builtins() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			return runScenario(cmd, a, flags, args[0])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.list, "list", false, "List built-in scenarios")
	f.BoolVar(&flags.brief, "brief", false, "Print the Markdown brief of transmitted verdicts")
	f.StringVar(&flags.jsonlPath, "jsonl", "", "Also write transmitted verdicts as JSON lines to this file")
	f.BoolVar(&flags.noCheck, "no-check", false, "Do not fail on verdicts that differ from the scenario's expectations")
	return cmd
}

func scenarioRegistry(sc *scenario.Scenario) (*analyzer.Registry, error) {
	reg := analyzer.NewRegistry(consensus.Origin)
	for _, an := range sc.BuildAnalyzers() {
		if err := reg.Register(an); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func runScenario(cmd *cobra.Command, a *app, flags runFlags, name string) error {
	ctx := cmd.Context()
	sc, err := scenario.Load(name)
	if err != nil {
		return err
	}
	payloads, err := sc.Payloads()
	if err != nil {
		return err
	}

	brief := &transmit.Brief{}
	tx := transmit.Multi{brief}
	if flags.jsonlPath != "" {
		f, err := os.Create(flags.jsonlPath)
		if err != nil {
			return fmt.Errorf("create jsonl: %w", err)
		}
		defer f.Close()
		tx = append(tx, transmit.NewJSONL(f))
	}

	reg, err := scenarioRegistry(sc)
	if err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	if sc.Integrity {
		if err := reg.Register(analyzer.NewIntegrity("integrity", st)); err != nil {
			st.Close()
			return err
		}
	}
	opts, err := a.options(tx)
	if err != nil {
		st.Close()
		return err
	}
	c, err := pipeline.New(ctx, st, reg, opts)
	if err != nil {
		st.Close()
		return err
	}
	defer c.Close()

	for i, p := range payloads {
		if _, err := c.IngestBytes(ctx, sc.CaseID, p, "input:"+sc.Evidence[i].Name); err != nil {
			return fmt.Errorf("ingest %s: %w", sc.Evidence[i].Name, err)
		}
	}
	rep, err := c.Run(ctx, sc.CaseID)
	if err != nil {
		return err
	}
	if _, err := c.Transmit(ctx, sc.CaseID); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		if err := writeJSON(out, rep); err != nil {
			return err
		}
	} else {
		printRunReport(out, a, rep)
	}
	if flags.brief {
		fmt.Fprintln(out, brief.Render(sc.CaseID))
	}

	if flags.noCheck {
		return nil
	}
	verdicts := make([]consensus.Verdict, 0, len(rep.Verdicts))
	for _, sv := range rep.Verdicts {
		verdicts = append(verdicts, sv.Verdict)
	}
	if mismatches := sc.Check(verdicts); len(mismatches) > 0 {
		return fmt.Errorf("scenario %s: unexpected verdicts:\n  %s", sc.Name, strings.Join(mismatches, "\n  "))
	}
	return nil
}

func printRunReport(out io.Writer, a *app, rep *pipeline.Report) {
	fmt.Fprintf(out, "Run %s over case %s: %d evidence, %s\n", rep.RunID, rep.CaseID, rep.Evidence,
		format.FmtDuration(rep.FinishedAt.Sub(rep.StartedAt)))
	if rep.TimedOut {
		fmt.Fprintln(out, "Consensus timeout reached; late analyzers were ignored.")
	}

	at := a.table()
	at.Title("Analyzers")
	at.Header("Analyzer", "Findings", "Rejected", "Late", "Elapsed", "Error")
	for _, r := range rep.Analyzers {
		at.Row(r.ID, r.Findings, r.Rejected, format.BoolMark(r.Late), format.FmtDuration(r.Elapsed), format.Truncate(r.Error, 40))
	}
	fmt.Fprintln(out, at.String())

	if len(rep.Rejections) > 0 {
		rt := a.table()
		rt.Title("Rejections")
		rt.Header("Digest", "Code", "Reason")
		for _, r := range rep.Rejections {
			rt.Row(format.ShortDigest(r.Digest), display.ErrorCodeWithCode(r.Code), r.Reason)
		}
		fmt.Fprintln(out, rt.String())
	}

	fmt.Fprintln(out, verdictTable(a, "Verdicts", rep.Verdicts).String())
	if len(rep.Undecided) > 0 {
		fmt.Fprintf(out, "Undecided: %s\n", strings.Join(rep.Undecided, ", "))
	}
}
