package pgstore

// schema is applied by Migrate. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_clock (
	id              SMALLINT PRIMARY KEY CHECK (id = 1),
	current_value   BIGINT NOT NULL CHECK (current_value >= 0),
	last_updated    TIMESTAMPTZ NOT NULL,
	last_receipt_id TEXT
);

CREATE TABLE IF NOT EXISTS ledger_receipts (
	seq              BIGSERIAL UNIQUE,
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	lamport          BIGINT NOT NULL,
	wall_clock       TIMESTAMPTZ NOT NULL,
	scope            TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL,
	digest           TEXT NOT NULL,
	previous_digest  TEXT,
	baseline_digest  TEXT,
	hybrid_timestamp TEXT NOT NULL DEFAULT '',
	node             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ledger_receipts_digest_idx ON ledger_receipts (digest);
CREATE INDEX IF NOT EXISTS ledger_receipts_lamport_idx ON ledger_receipts (lamport);

CREATE TABLE IF NOT EXISTS ledger_chain_index (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE REFERENCES ledger_receipts (id),
	lamport   BIGINT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL
);
-- A predecessor has at most one successor: the chain never forks.
CREATE UNIQUE INDEX IF NOT EXISTS ledger_chain_index_prev_hash_idx ON ledger_chain_index (prev_hash);

CREATE TABLE IF NOT EXISTS ledger_witnesses (
	seq               BIGSERIAL UNIQUE,
	id                TEXT PRIMARY KEY,
	model_name        TEXT NOT NULL,
	model_fingerprint TEXT NOT NULL,
	receipt_digest    TEXT NOT NULL,
	signature         TEXT NOT NULL,
	scheme            TEXT NOT NULL,
	lamport           BIGINT NOT NULL,
	issued_at         TIMESTAMPTZ NOT NULL,
	verified          BOOLEAN NOT NULL DEFAULT FALSE,
	verified_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ledger_witnesses_digest_idx ON ledger_witnesses (receipt_digest);

CREATE TABLE IF NOT EXISTS ledger_handoffs (
	seq             BIGSERIAL UNIQUE,
	id              TEXT PRIMARY KEY,
	from_track      TEXT NOT NULL,
	to_track        TEXT NOT NULL,
	status          TEXT NOT NULL,
	from_receipt_id TEXT NOT NULL,
	to_receipt_id   TEXT,
	trace_id        TEXT NOT NULL,
	actor           TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	result          TEXT,
	reason          TEXT NOT NULL DEFAULT '',
	initiated_at    TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	latency_ns      BIGINT,
	exceeded_limit  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS ledger_handoffs_open_idx ON ledger_handoffs (status, initiated_at);
CREATE INDEX IF NOT EXISTS ledger_handoffs_trace_idx ON ledger_handoffs (trace_id);
`
