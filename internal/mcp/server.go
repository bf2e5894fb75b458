// Package mcp exposes the custody pipeline as Model Context Protocol tools:
// sealing evidence, running a case asynchronously, reading its record and
// verdicts, transmitting results and verifying the ledger.
package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"custody/internal/logging"
	"custody/internal/pipeline"
	"custody/internal/seal"
	"custody/internal/transmit"
)

var DefaultGetRunTimeout = 10 * time.Second

// Server wraps the MCP SDK server around one Coordinator.
type Server struct {
	MCPServer *sdkmcp.Server

	coord *pipeline.Coordinator

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer registers the custody tools for coord.
func NewServer(coord *pipeline.Coordinator, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{coord: coord, sessions: make(map[string]*Session)}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "custody", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "seal_evidence",
		Description: "Seal raw evidence, pass it through the input gate and append it to a case.",
	}, s.handleSealEvidence)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "start_run",
		Description: "Start an analysis run over a case's evidence. Returns a session ID immediately.",
	}, s.handleStartRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_run",
		Description: "Wait for a run to finish and return its report. Returns status=running if it is still going when the wait ends.",
	}, s.handleGetRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a running session. Audit entries already written are kept.",
	}, s.handleCancelRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_case",
		Description: "List the sealed envelopes of a case, or every case ID when case_id is empty.",
	}, s.handleListCase)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_verdicts",
		Description: "Return the current consensus verdict for every claim of a case.",
	}, s.handleGetVerdicts)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "transmit_case",
		Description: "Send a case's verdicts through the output gate to the configured transmitter.",
	}, s.handleTransmitCase)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "verify_ledger",
		Description: "Recompute the audit ledger hash chain and report the first broken entry, if any.",
	}, s.handleVerifyLedger)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_signals",
		Description: "Read a session's events, or those since a given index.",
	}, s.handleGetSignals)
}

// --- Tool input/output types ---

type sealEvidenceInput struct {
	CaseID     string `json:"case_id" jsonschema:"case to append the evidence to"`
	Text       string `json:"text,omitempty" jsonschema:"evidence as UTF-8 text"`
	DataBase64 string `json:"data_base64,omitempty" jsonschema:"evidence as base64-encoded bytes"`
	Origin     string `json:"origin,omitempty" jsonschema:"origin tag recorded in the seal (default input:mcp)"`
}

type sealEvidenceOutput struct {
	CaseID   string      `json:"case_id"`
	Envelope seal.Record `json:"envelope"`
}

type startRunInput struct {
	CaseID string `json:"case_id" jsonschema:"case to run"`
	Force  bool   `json:"force,omitempty" jsonschema:"cancel a running session for the same case and start fresh"`
}

type startRunOutput struct {
	SessionID string `json:"session_id"`
	CaseID    string `json:"case_id"`
	Status    string `json:"status"`
}

type getRunInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_run"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"max wait in milliseconds (0 = server default)"`
}

type getRunOutput struct {
	Status string   `json:"status"`
	Report *runView `json:"report,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// runView is the tool form of a pipeline.Report. Times are RFC 3339 strings
// and durations milliseconds so the output schema stays plain JSON.
type runView struct {
	RunID      string               `json:"run_id"`
	CaseID     string               `json:"case_id"`
	StartedAt  string               `json:"started_at"`
	FinishedAt string               `json:"finished_at"`
	Evidence   int                  `json:"evidence"`
	Rejections []pipeline.Rejection `json:"rejections,omitempty"`
	Analyzers  []analyzerView       `json:"analyzers,omitempty"`
	Verdicts   []verdictView        `json:"verdicts,omitempty"`
	Undecided  []string             `json:"undecided,omitempty"`
	TimedOut   bool                 `json:"timed_out,omitempty"`
}

type analyzerView struct {
	ID        string `json:"id"`
	Findings  int    `json:"findings"`
	Rejected  int    `json:"rejected"`
	Error     string `json:"error,omitempty"`
	Late      bool   `json:"late,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type verdictView struct {
	ClaimID            string   `json:"claim_id"`
	Status             string   `json:"status"`
	AgreementCount     int      `json:"agreement_count"`
	TotalCount         int      `json:"total_count"`
	Plurality          string   `json:"plurality"`
	SupportingFindings []string `json:"supporting_findings,omitempty"`
	DecidedAt          string   `json:"decided_at"`
	Digest             string   `json:"digest"`
}

func viewVerdict(sv pipeline.SealedVerdict) verdictView {
	v := sv.Verdict
	return verdictView{
		ClaimID:            v.ClaimID,
		Status:             string(v.Status),
		AgreementCount:     v.AgreementCount,
		TotalCount:         v.TotalCount,
		Plurality:          v.Plurality.String(),
		SupportingFindings: v.SupportingFindings,
		DecidedAt:          v.DecidedAt.UTC().Format(time.RFC3339Nano),
		Digest:             sv.Digest,
	}
}

func viewRun(rep *pipeline.Report) *runView {
	if rep == nil {
		return nil
	}
	out := &runView{
		RunID:      rep.RunID,
		CaseID:     rep.CaseID,
		StartedAt:  rep.StartedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt: rep.FinishedAt.UTC().Format(time.RFC3339Nano),
		Evidence:   rep.Evidence,
		Rejections: rep.Rejections,
		Undecided:  rep.Undecided,
		TimedOut:   rep.TimedOut,
	}
	for _, a := range rep.Analyzers {
		out.Analyzers = append(out.Analyzers, analyzerView{
			ID:        a.ID,
			Findings:  a.Findings,
			Rejected:  a.Rejected,
			Error:     a.Error,
			Late:      a.Late,
			ElapsedMS: a.Elapsed.Milliseconds(),
		})
	}
	for _, sv := range rep.Verdicts {
		out.Verdicts = append(out.Verdicts, viewVerdict(sv))
	}
	return out
}

type cancelRunInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_run"`
}

type cancelRunOutput struct {
	OK string `json:"ok"`
}

type listCaseInput struct {
	CaseID string `json:"case_id,omitempty" jsonschema:"case to list; empty lists case IDs"`
}

type listCaseOutput struct {
	Cases     []string      `json:"cases,omitempty"`
	CaseID    string        `json:"case_id,omitempty"`
	Envelopes []seal.Record `json:"envelopes,omitempty"`
}

type caseInput struct {
	CaseID string `json:"case_id" jsonschema:"case ID"`
}

type getVerdictsOutput struct {
	CaseID   string        `json:"case_id"`
	Verdicts []verdictView `json:"verdicts,omitempty"`
}

type transmitCaseOutput struct {
	CaseID string              `json:"case_id"`
	Sent   []transmit.Outbound `json:"sent,omitempty"`
}

type verifyLedgerInput struct{}

type verifyLedgerOutput struct {
	OK       bool   `json:"ok"`
	Total    int    `json:"total"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head"`
}

type getSignalsInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_run"`
	Since     int    `json:"since,omitempty" jsonschema:"return signals from this index onward (0-based)"`
}

type getSignalsOutput struct {
	Signals []Signal `json:"signals,omitempty"`
	Total   int      `json:"total"`
}

// --- Tool handlers ---

func (s *Server) handleSealEvidence(ctx context.Context, _ *sdkmcp.CallToolRequest, input sealEvidenceInput) (*sdkmcp.CallToolResult, sealEvidenceOutput, error) {
	var payload []byte
	switch {
	case input.Text != "" && input.DataBase64 != "":
		return nil, sealEvidenceOutput{}, fmt.Errorf("set either text or data_base64, not both")
	case input.DataBase64 != "":
		b, err := base64.StdEncoding.DecodeString(input.DataBase64)
		if err != nil {
			return nil, sealEvidenceOutput{}, fmt.Errorf("data_base64: %w", err)
		}
		payload = b
	default:
		payload = []byte(input.Text)
	}
	origin := input.Origin
	if origin == "" {
		origin = "input:mcp"
	}
	env, err := s.coord.IngestBytes(ctx, input.CaseID, payload, origin)
	if err != nil {
		return nil, sealEvidenceOutput{}, fmt.Errorf("seal_evidence: %w", err)
	}
	return nil, sealEvidenceOutput{CaseID: input.CaseID, Envelope: env.Record()}, nil
}

func (s *Server) handleStartRun(_ context.Context, _ *sdkmcp.CallToolRequest, input startRunInput) (*sdkmcp.CallToolResult, startRunOutput, error) {
	if input.CaseID == "" {
		return nil, startRunOutput{}, fmt.Errorf("case_id is required")
	}
	logger := logging.New("mcp-session")

	s.mu.Lock()
	var active *Session
	for _, sess := range s.sessions {
		if sess.CaseID == input.CaseID && sess.GetState() == StateRunning {
			active = sess
			break
		}
	}
	s.mu.Unlock()
	if active != nil {
		if !input.Force {
			return nil, startRunOutput{}, fmt.Errorf("case %s already has a running session (id=%s)", input.CaseID, active.ID)
		}
		logger.Warn("force-replacing active session", "old_id", active.ID, "case", input.CaseID)
		active.Cancel()
		<-active.Done()
	}

	sess := NewSession(s.coord, input.CaseID)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return nil, startRunOutput{SessionID: sess.ID, CaseID: input.CaseID, Status: string(StateRunning)}, nil
}

func (s *Server) handleGetRun(ctx context.Context, _ *sdkmcp.CallToolRequest, input getRunInput) (*sdkmcp.CallToolResult, getRunOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, getRunOutput{}, err
	}
	timeout := DefaultGetRunTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}
	if !sess.Wait(ctx, timeout) {
		if ctx.Err() != nil {
			return nil, getRunOutput{}, ctx.Err()
		}
		return nil, getRunOutput{Status: string(StateRunning)}, nil
	}
	out := getRunOutput{Status: string(sess.GetState()), Report: viewRun(sess.Report())}
	if err := sess.Err(); err != nil {
		out.Error = err.Error()
	}
	return nil, out, nil
}

func (s *Server) handleCancelRun(_ context.Context, _ *sdkmcp.CallToolRequest, input cancelRunInput) (*sdkmcp.CallToolResult, cancelRunOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, cancelRunOutput{}, err
	}
	sess.Cancel()
	<-sess.Done()
	return nil, cancelRunOutput{OK: string(sess.GetState())}, nil
}

func (s *Server) handleListCase(ctx context.Context, _ *sdkmcp.CallToolRequest, input listCaseInput) (*sdkmcp.CallToolResult, listCaseOutput, error) {
	st := s.coord.Store()
	if input.CaseID == "" {
		cases, err := st.Cases(ctx)
		if err != nil {
			return nil, listCaseOutput{}, err
		}
		return nil, listCaseOutput{Cases: cases}, nil
	}
	rec, err := st.Load(ctx, input.CaseID)
	if err != nil {
		return nil, listCaseOutput{}, err
	}
	out := listCaseOutput{CaseID: rec.CaseID}
	for _, env := range rec.Envelopes {
		out.Envelopes = append(out.Envelopes, env.Record())
	}
	return nil, out, nil
}

func (s *Server) handleGetVerdicts(ctx context.Context, _ *sdkmcp.CallToolRequest, input caseInput) (*sdkmcp.CallToolResult, getVerdictsOutput, error) {
	vs, err := s.coord.Verdicts(ctx, input.CaseID)
	if err != nil {
		return nil, getVerdictsOutput{}, err
	}
	out := getVerdictsOutput{CaseID: input.CaseID}
	for _, sv := range vs {
		out.Verdicts = append(out.Verdicts, viewVerdict(sv))
	}
	return nil, out, nil
}

func (s *Server) handleTransmitCase(ctx context.Context, _ *sdkmcp.CallToolRequest, input caseInput) (*sdkmcp.CallToolResult, transmitCaseOutput, error) {
	sent, err := s.coord.Transmit(ctx, input.CaseID)
	if err != nil {
		return nil, transmitCaseOutput{}, fmt.Errorf("transmit_case: %w", err)
	}
	return nil, transmitCaseOutput{CaseID: input.CaseID, Sent: sent}, nil
}

func (s *Server) handleVerifyLedger(_ context.Context, _ *sdkmcp.CallToolRequest, _ verifyLedgerInput) (*sdkmcp.CallToolResult, verifyLedgerOutput, error) {
	rep := s.coord.VerifyLedger()
	return nil, verifyLedgerOutput{
		OK:       rep.OK,
		Total:    rep.Total,
		BrokenAt: rep.BrokenAt,
		Reason:   rep.Reason,
		Head:     s.coord.Ledger().Head(),
	}, nil
}

func (s *Server) handleGetSignals(_ context.Context, _ *sdkmcp.CallToolRequest, input getSignalsInput) (*sdkmcp.CallToolResult, getSignalsOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, getSignalsOutput{}, err
	}
	return nil, getSignalsOutput{Signals: sess.Bus.Since(input.Since), Total: sess.Bus.Len()}, nil
}

// Session returns a session by ID.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Shutdown cancels every running session and waits for them to stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Cancel()
		<-sess.Done()
	}
}

func (s *Server) getSession(id string) (*Session, error) {
	sess, ok := s.Session(id)
	if !ok {
		return nil, fmt.Errorf("unknown session %q (call start_run first)", id)
	}
	return sess, nil
}
