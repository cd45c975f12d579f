package postgres

// bootstrapDDL creates the six tables the spec names (§6), gated by
// IF NOT EXISTS since this is a one-shot bootstrap, not a migration
// framework (explicit non-goal: "no schema migration logic beyond a
// one-shot bootstrap").
const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS metadata (
	spec_version BIGINT PRIMARY KEY,
	block_num    BIGINT NOT NULL,
	block_hash   BYTEA NOT NULL,
	meta         BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS block (
	block_num         BIGINT PRIMARY KEY,
	spec_version      BIGINT NOT NULL,
	block_hash        BYTEA NOT NULL,
	parent_hash       BYTEA NOT NULL,
	state_root        BYTEA NOT NULL,
	extrinsics_root   BYTEA NOT NULL,
	digest            BYTEA NOT NULL,
	extrinsics        BYTEA[] NOT NULL,
	justifications    BYTEA[],
	has_justification BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS main_storage (
	block_num  BIGINT NOT NULL,
	block_hash BYTEA NOT NULL,
	prefix     BYTEA NOT NULL,
	key        BYTEA NOT NULL,
	data       BYTEA,
	PRIMARY KEY (block_num, key)
);

CREATE TABLE IF NOT EXISTS child_storage (
	block_num  BIGINT NOT NULL,
	block_hash BYTEA NOT NULL,
	prefix_key BYTEA NOT NULL,
	key        BYTEA NOT NULL,
	data       BYTEA,
	PRIMARY KEY (block_num, prefix_key, key)
);

CREATE TABLE IF NOT EXISTS best_block (
	id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	block_num  BIGINT NOT NULL,
	block_hash BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS finalized_block (
	id           SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	block_num    BIGINT NOT NULL,
	block_hash   BYTEA NOT NULL,
	timestamp_ms BIGINT,
	catchup      BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS main_storage_prefix_idx ON main_storage (prefix);
CREATE INDEX IF NOT EXISTS child_storage_prefix_idx ON child_storage (prefix_key);
`
