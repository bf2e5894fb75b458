package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "custody/internal/errors"
	"custody/internal/ledger"
	"custody/internal/seal"

	_ "modernc.org/sqlite"
)

// nowUTC returns the current UTC time as an RFC 3339 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .custody) if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection serializes ledger and case writes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		return s.freshInstall()
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("schema_version table is empty")
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch v {
	case currentSchemaVersion:
		return nil
	default:
		return fmt.Errorf("unknown schema version %d", v)
	}
}

func (s *SqlStore) freshInstall() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SqlStore) Close() error {
	return s.db.Close()
}

// Append writes the case row (if new) and the envelope row in one
// transaction; the envelope is durable once Append returns nil.
func (s *SqlStore) Append(ctx context.Context, caseID string, env *seal.Envelope) error {
	if err := checkAppend(caseID, env); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO cases(case_id, created_at) VALUES(?, ?)", caseID, nowUTC(),
	); err != nil {
		return fmt.Errorf("insert case: %w", err)
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM envelopes WHERE case_id = ? AND custody_signature = ? AND content_digest = ?",
		caseID, env.CustodySignature(), env.ContentDigest(),
	).Scan(&dup); err != nil {
		return fmt.Errorf("check duplicate envelope: %w", err)
	}
	if dup > 0 {
		return tx.Commit()
	}

	var pos int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), -1) + 1 FROM envelopes WHERE case_id = ?", caseID,
	).Scan(&pos); err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	rec := env.Record()
	var lat, lon, acc sql.NullFloat64
	if rec.Geo != nil {
		lat = sql.NullFloat64{Float64: rec.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: rec.Geo.Lon, Valid: true}
		acc = sql.NullFloat64{Float64: rec.Geo.AccuracyM, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO envelopes(case_id, position, kind, content_digest, created_at,
		                       geo_lat, geo_lon, geo_accuracy_m, custody_signature, payload_ref, origin_tag)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		caseID, pos, string(rec.Kind), rec.ContentDigest, rec.CreatedAt,
		lat, lon, acc, rec.CustodySignature, rec.PayloadRef, rec.OriginTag,
	); err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// List returns caseID's envelopes ordered by position.
func (s *SqlStore) List(ctx context.Context, caseID string) ([]*seal.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, content_digest, created_at, geo_lat, geo_lon, geo_accuracy_m,
		        custody_signature, payload_ref, origin_tag
		 FROM envelopes WHERE case_id = ? ORDER BY position`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var out []*seal.Envelope
	for rows.Next() {
		var rec seal.Record
		var kind string
		var lat, lon, acc sql.NullFloat64
		if err := rows.Scan(&kind, &rec.ContentDigest, &rec.CreatedAt, &lat, &lon, &acc,
			&rec.CustodySignature, &rec.PayloadRef, &rec.OriginTag); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		rec.Kind = seal.Kind(kind)
		rec.Sealed = true
		if lat.Valid && lon.Valid {
			rec.Geo = &seal.Geo{Lat: lat.Float64, Lon: lon.Float64, AccuracyM: acc.Float64}
		}
		env, err := seal.Restore(rec)
		if err != nil {
			return nil, fmt.Errorf("restore envelope %s: %w", rec.ContentDigest, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Load returns the record for caseID or CodeNotFound.
func (s *SqlStore) Load(ctx context.Context, caseID string) (*CaseRecord, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cases WHERE case_id = ?", caseID).Scan(&n); err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}
	if n == 0 {
		return nil, notFound(caseID)
	}
	envs, err := s.List(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseRecord{CaseID: caseID, Envelopes: envs}, nil
}

// Cases returns case IDs in creation order.
func (s *SqlStore) Cases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT case_id FROM cases ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutBlob implements seal.Blobs.
func (s *SqlStore) PutBlob(ctx context.Context, digest string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(digest, data) VALUES(?, ?)
		 ON CONFLICT(digest) DO UPDATE SET data = excluded.data`, digest, data,
	); err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

// GetBlob implements seal.Blobs.
func (s *SqlStore) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE digest = ?", digest).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "blob "+digest+" not found", map[string]string{"digest": digest})
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

// AppendEntry implements ledger.Sink.
func (s *SqlStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	var reason sql.NullString
	if e.Reason != "" {
		reason = sql.NullString{String: e.Reason, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries(seq, operation, timestamp, subject_digest, result, reason, prev_entry_hash, entry_hash)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Seq), string(e.Operation), e.Timestamp.UTC().Format(ledger.TimeFormat),
		e.SubjectDigest, string(e.Result), reason, e.PrevHash, e.Hash,
	); err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Seq, err)
	}
	return nil
}

// Entries implements ledger.Source.
func (s *SqlStore) Entries(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, operation, timestamp, subject_digest, result, reason, prev_entry_hash, entry_hash
		 FROM audit_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var seq int64
		var op, ts, result string
		var reason sql.NullString
		if err := rows.Scan(&seq, &op, &ts, &e.SubjectDigest, &result, &reason, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		t, err := time.Parse(ledger.TimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		e.Seq = uint64(seq)
		e.Operation = ledger.Operation(op)
		e.Timestamp = t.UTC()
		e.Result = ledger.Result(result)
		e.Reason = nullStr(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}
