package store

// schemaVersionV1 is the first custody schema.
const schemaVersionV1 = 1

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV1

// schemaV1 holds cases, their envelopes in append order, content-addressed
// payload blobs and the audit chain.
var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS cases (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id    TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id           TEXT NOT NULL REFERENCES cases(case_id),
	position          INTEGER NOT NULL,
	kind              TEXT NOT NULL,
	content_digest    TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	geo_lat           REAL,
	geo_lon           REAL,
	geo_accuracy_m    REAL,
	custody_signature TEXT NOT NULL,
	payload_ref       TEXT NOT NULL,
	origin_tag        TEXT NOT NULL,
	UNIQUE(case_id, position),
	UNIQUE(case_id, custody_signature, content_digest)
);

CREATE TABLE IF NOT EXISTS blobs (
	digest TEXT PRIMARY KEY,
	data   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	seq             INTEGER PRIMARY KEY,
	operation       TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	subject_digest  TEXT NOT NULL,
	result          TEXT NOT NULL,
	reason          TEXT,
	prev_entry_hash TEXT NOT NULL,
	entry_hash      TEXT NOT NULL
);
`
