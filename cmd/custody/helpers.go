package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"custody/internal/analyzer"
	"custody/internal/consensus"
	"custody/internal/format"
	"custody/internal/pipeline"
	"custody/internal/seal"
	"custody/internal/store"
	"custody/internal/transmit"
)

// openStore opens the configured database. An empty path means an in-memory
// store that lives for the command only.
func (a *app) openStore() (store.Store, error) {
	if a.cfg.DBPath == "" || a.cfg.DBPath == ":memory:" {
		return store.NewMemStore(), nil
	}
	st, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (a *app) options(tx transmit.Transmitter) (pipeline.Options, error) {
	geo, err := a.cfg.GeoPoint()
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.DefaultOptions()
	opts.InlineLimit = a.cfg.InlineLimit
	opts.Parallel = a.cfg.Parallel
	opts.AnalyzerTimeout = a.cfg.AnalyzerTimeout
	opts.ConsensusTimeout = a.cfg.ConsensusTimeout
	opts.ScoreTolerance = a.cfg.ScoreTolerance
	opts.Stamper = seal.SystemStamper{Geo: geo}
	opts.Transmitter = tx
	return opts, nil
}

// coordinator opens the store and builds a Coordinator over it. The caller
// closes it.
func (a *app) coordinator(ctx context.Context, reg *analyzer.Registry, tx transmit.Transmitter) (*pipeline.Coordinator, error) {
	if reg == nil {
		reg = analyzer.NewRegistry(consensus.Origin)
	}
	opts, err := a.options(tx)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	c, err := pipeline.New(ctx, st, reg, opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	return c, nil
}

func (a *app) jsonOutput() bool { return a.flags.output == "json" }

func (a *app) table() format.TableBuilder { return format.NewTable(format.ParseMode(a.flags.output)) }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func verdictTable(a *app, title string, vs []pipeline.SealedVerdict) format.TableBuilder {
	tb := a.table()
	tb.Title(title)
	tb.Header("Claim", "Status", "Agreement", "Plurality", "Supporting", "Digest")
	for _, sv := range vs {
		v := sv.Verdict
		tb.Row(v.ClaimID, v.Status, format.Ratio(v.AgreementCount, v.TotalCount),
			format.Truncate(v.Plurality.String(), 24), len(v.SupportingFindings), format.ShortDigest(sv.Digest))
	}
	return tb
}

func envelopeTable(a *app, title string, envs []*seal.Envelope) format.TableBuilder {
	tb := a.table()
	tb.Title(title)
	tb.Header("#", "Kind", "Origin", "Digest", "Created", "Payload")
	for i, env := range envs {
		ref := "inline"
		if strings.HasPrefix(env.PayloadRef(), "blob:") {
			ref = "blob"
		}
		tb.Row(i, env.Kind(), env.OriginTag(), format.ShortDigest(env.ContentDigest()),
			format.Timestamp(env.CreatedAt()), ref)
	}
	return tb
}
