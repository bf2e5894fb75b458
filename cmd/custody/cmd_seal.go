package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"custody/internal/pipeline"
	"custody/internal/seal"
)

type sealFlags struct {
	caseID string
	origin string
}

func newSealCmd(a *app) *cobra.Command {
	var flags sealFlags
	cmd := &cobra.Command{
		Use:   "seal <file|->...",
		Short: "Seal raw evidence and add it to a case",
		Long: `Seal reads each file (or stdin for "-"), computes its content digest and
custody signature, passes the envelope through the input gate and appends it
to the case record.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(cmd, a, flags, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.caseID, "case", "", "Case ID (required)")
	f.StringVar(&flags.origin, "origin", "", "Origin tag (default input:<file name>)")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

func runSeal(cmd *cobra.Command, a *app, flags sealFlags, paths []string) error {
	ctx := cmd.Context()
	c, err := a.coordinator(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var sealed []*seal.Envelope
	for _, path := range paths {
		origin := flags.origin
		switch {
		case origin != "":
		case path == "-":
			origin = "input:stdin"
		default:
			origin = "input:" + filepath.Base(path)
		}
		env, err := sealPath(ctx, c, flags.caseID, path, origin, cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("seal %s: %w", path, err)
		}
		sealed = append(sealed, env)
	}

	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		recs := make([]seal.Record, 0, len(sealed))
		for _, env := range sealed {
			recs = append(recs, env.Record())
		}
		return writeJSON(out, recs)
	}
	tb := envelopeTable(a, "Sealed into "+flags.caseID, sealed)
	tb.Footer("", "", "", "", "sealed", len(sealed))
	fmt.Fprintln(out, tb.String())
	return nil
}

func sealPath(ctx context.Context, c *pipeline.Coordinator, caseID, path, origin string, stdin io.Reader) (*seal.Envelope, error) {
	if path == "-" {
		return c.Ingest(ctx, caseID, stdin, origin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.Ingest(ctx, caseID, f, origin)
}
