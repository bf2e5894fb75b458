package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"custody/internal/export"
	"custody/internal/format"
	"custody/internal/ledger"
)

type exportFlags struct {
	outPath    string
	noPayloads bool
	noEntries  bool
}

func newExportCmd(a *app) *cobra.Command {
	var flags exportFlags
	cmd := &cobra.Command{
		Use:   "export <case>",
		Short: "Write a case's envelopes, payloads and audit entries as flat JSON lines",
		Long: `Export writes a self-contained bundle that verify-export (or any third
party with SHA-256) can check without this tool's store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, a, flags, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.outPath, "out", "o", "-", "Bundle path (- for stdout)")
	f.BoolVar(&flags.noPayloads, "no-payloads", false, "Leave blob payload bytes out of the bundle")
	f.BoolVar(&flags.noEntries, "no-entries", false, "Leave audit entries out of the bundle")
	return cmd
}

func runExport(cmd *cobra.Command, a *app, flags exportFlags, caseID string) error {
	ctx := cmd.Context()
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var entries []ledger.Entry
	if !flags.noEntries {
		if entries, err = st.Entries(ctx); err != nil {
			return err
		}
	}
	b, err := export.Build(ctx, st, caseID, entries, !flags.noPayloads)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if flags.outPath != "-" {
		f, err := os.Create(flags.outPath)
		if err != nil {
			return fmt.Errorf("create bundle: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := export.Write(w, b); err != nil {
		return err
	}
	if flags.outPath != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "exported case %s: %d envelopes, %d payloads, %d audit entries to %s\n",
			caseID, len(b.Envelopes), len(b.Payloads), len(b.Entries), flags.outPath)
	}
	return nil
}

func newVerifyExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-export <bundle|->",
		Short: "Independently verify an exported bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyExport(cmd, a, args[0])
		},
	}
}

func runVerifyExport(cmd *cobra.Command, a *app, path string) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	b, err := export.Read(r)
	if err != nil {
		return err
	}
	rep := export.VerifyBundle(b)

	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		if err := writeJSON(out, rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "case %s: %d envelopes (%d digests recomputed), %d audit entries\n",
			b.CaseID, rep.Envelopes, rep.DigestsChecked, rep.Entries)
		if n := len(rep.Unchecked); n > 0 {
			fmt.Fprintf(out, "%d blob digests not checked: bundle exported without payloads\n", n)
		}
		if len(rep.Problems) > 0 {
			tb := a.table()
			tb.Header("Subject", "Problem")
			for _, p := range rep.Problems {
				tb.Row(format.ShortDigest(p.Subject), p.Reason)
			}
			fmt.Fprintln(out, tb.String())
		}
	}
	if !rep.OK {
		return fmt.Errorf("bundle failed verification: %d problems", len(rep.Problems))
	}
	if !a.jsonOutput() {
		fmt.Fprintln(out, "bundle OK")
	}
	return nil
}
