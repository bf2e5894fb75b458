package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"custody/internal/seal"
)

func newCaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Inspect case records",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List case IDs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCaseList(cmd, a)
			},
		},
		&cobra.Command{
			Use:   "show <case>",
			Short: "Show a case's envelopes and current verdicts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCaseShow(cmd, a, args[0])
			},
		},
	)
	return cmd
}

func runCaseList(cmd *cobra.Command, a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	cases, err := st.Cases(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		return writeJSON(out, cases)
	}
	tb := a.table()
	tb.Header("Case", "Envelopes")
	for _, id := range cases {
		envs, err := st.List(cmd.Context(), id)
		if err != nil {
			return err
		}
		tb.Row(id, len(envs))
	}
	fmt.Fprintln(out, tb.String())
	return nil
}

func runCaseShow(cmd *cobra.Command, a *app, caseID string) error {
	ctx := cmd.Context()
	c, err := a.coordinator(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	rec, err := c.Store().Load(ctx, caseID)
	if err != nil {
		return err
	}
	verdicts, err := c.Verdicts(ctx, caseID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.jsonOutput() {
		recs := make([]seal.Record, 0, len(rec.Envelopes))
		for _, env := range rec.Envelopes {
			recs = append(recs, env.Record())
		}
		return writeJSON(out, struct {
			CaseID    string        `json:"case_id"`
			Envelopes []seal.Record `json:"envelopes"`
			Verdicts  any           `json:"verdicts"`
		}{caseID, recs, verdicts})
	}
	fmt.Fprintln(out, envelopeTable(a, "Case "+caseID, rec.Envelopes).String())
	if len(verdicts) > 0 {
		fmt.Fprintln(out, verdictTable(a, "Current verdicts", verdicts).String())
	}
	return nil
}
