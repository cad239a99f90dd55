package postgres

// Schema for the tables the orchestrator owns or coordinates through.
// elections and ballots are written by the casting side; the orchestrator
// only reads them, but their definitions are kept here so a fresh database
// can be stood up for development and tests.
const schema = `
CREATE TABLE IF NOT EXISTS elections (
	id                  BIGINT PRIMARY KEY,
	joint_public_key    TEXT NOT NULL,
	commitment_hash     TEXT NOT NULL,
	manifest            JSONB NOT NULL,
	number_of_guardians INTEGER NOT NULL,
	quorum              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ballots (
	ballot_id   TEXT PRIMARY KEY,
	election_id BIGINT NOT NULL REFERENCES elections (id),
	cast_at     TIMESTAMPTZ NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
);

CREATE TABLE IF NOT EXISTS guardians (
	guardian_id         TEXT NOT NULL,
	election_id         BIGINT NOT NULL REFERENCES elections (id),
	sequence_order      INTEGER NOT NULL,
	guardian_public_key TEXT NOT NULL,
	key_backup          JSONB NOT NULL,
	guardian_polynomial BYTEA NOT NULL,
	decrypted_or_not    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (election_id, guardian_id),
	UNIQUE (election_id, sequence_order)
);

CREATE TABLE IF NOT EXISTS election_center (
	id              BIGSERIAL PRIMARY KEY,
	election_id     BIGINT NOT NULL REFERENCES elections (id),
	chunk_number    INTEGER NOT NULL,
	encrypted_tally BYTEA,
	election_result BYTEA,
	UNIQUE (election_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS decryptions (
	election_center_id      BIGINT NOT NULL REFERENCES election_center (id),
	guardian_id             TEXT NOT NULL,
	partial_tally_share     BYTEA NOT NULL,
	ballot_shares           BYTEA NOT NULL,
	guardian_decryption_key TEXT NOT NULL,
	PRIMARY KEY (election_center_id, guardian_id)
);

CREATE TABLE IF NOT EXISTS compensated_decryptions (
	election_center_id       BIGINT NOT NULL REFERENCES election_center (id),
	compensating_guardian_id TEXT NOT NULL,
	missing_guardian_id      TEXT NOT NULL,
	compensated_tally_share  BYTEA NOT NULL,
	compensated_ballot_share BYTEA NOT NULL,
	PRIMARY KEY (election_center_id, compensating_guardian_id, missing_guardian_id)
);

CREATE TABLE IF NOT EXISTS election_jobs (
	job_id           TEXT PRIMARY KEY,
	election_id      BIGINT NOT NULL,
	operation_type   TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_chunks     INTEGER NOT NULL,
	processed_chunks INTEGER NOT NULL DEFAULT 0,
	failed_chunks    INTEGER NOT NULL DEFAULT 0,
	created_by       TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	error_message    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tally_worker_log (
	id                 BIGSERIAL PRIMARY KEY,
	election_id        BIGINT NOT NULL,
	election_center_id BIGINT NOT NULL DEFAULT 0,
	chunk_number       INTEGER NOT NULL,
	start_time         TIMESTAMPTZ NOT NULL,
	end_time           TIMESTAMPTZ,
	status             TEXT NOT NULL,
	error_message      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS decryption_worker_log (
	id                     BIGSERIAL PRIMARY KEY,
	election_id            BIGINT NOT NULL,
	election_center_id     BIGINT NOT NULL DEFAULT 0,
	chunk_number           INTEGER NOT NULL,
	guardian_id            TEXT NOT NULL,
	decrypting_guardian_id TEXT NOT NULL,
	decryption_type        TEXT NOT NULL,
	start_time             TIMESTAMPTZ NOT NULL,
	end_time               TIMESTAMPTZ,
	status                 TEXT NOT NULL,
	error_message          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS combine_worker_log (
	id                 BIGSERIAL PRIMARY KEY,
	election_id        BIGINT NOT NULL,
	election_center_id BIGINT NOT NULL DEFAULT 0,
	chunk_number       INTEGER NOT NULL,
	start_time         TIMESTAMPTZ NOT NULL,
	end_time           TIMESTAMPTZ,
	status             TEXT NOT NULL,
	error_message      TEXT NOT NULL DEFAULT ''
);
`
