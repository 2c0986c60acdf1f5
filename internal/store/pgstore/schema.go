package pgstore

// Schema is the Postgres DDL for the State Store (spec §3). Open
// executes it on every connect, so both cmd/asu-server and
// cmd/asu-worker apply it at startup; every table is created with
// CREATE TABLE IF NOT EXISTS.
const Schema = `
CREATE TABLE IF NOT EXISTS subtargets (
	id           BIGSERIAL PRIMARY KEY,
	distro       TEXT NOT NULL,
	release      TEXT NOT NULL,
	target       TEXT NOT NULL,
	subtarget    TEXT NOT NULL,
	supported    SMALLINT NOT NULL DEFAULT 0,
	package_sync TIMESTAMPTZ,
	UNIQUE (distro, release, target, subtarget)
);

CREATE TABLE IF NOT EXISTS packages_available (
	subtarget_id BIGINT NOT NULL REFERENCES subtargets(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	PRIMARY KEY (subtarget_id, name)
);

CREATE TABLE IF NOT EXISTS packages_default (
	subtarget_id BIGINT PRIMARY KEY REFERENCES subtargets(id) ON DELETE CASCADE,
	packages     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id              BIGSERIAL PRIMARY KEY,
	subtarget_id    BIGINT NOT NULL REFERENCES subtargets(id) ON DELETE CASCADE,
	profile_name    TEXT NOT NULL,
	model_label     TEXT NOT NULL DEFAULT '',
	default_packages TEXT NOT NULL DEFAULT '',
	UNIQUE (subtarget_id, profile_name)
);

CREATE TABLE IF NOT EXISTS packages_hashes (
	hash     TEXT PRIMARY KEY,
	packages TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS image_requests (
	id              BIGSERIAL PRIMARY KEY,
	request_hash    TEXT NOT NULL UNIQUE,
	subtarget_id    BIGINT NOT NULL REFERENCES subtargets(id),
	profile         TEXT NOT NULL,
	packages_hash   TEXT NOT NULL REFERENCES packages_hashes(hash),
	network_profile TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'requested',
	image_hash      TEXT
);

CREATE TABLE IF NOT EXISTS imagebuilder_requests (
	id           BIGSERIAL PRIMARY KEY,
	subtarget_id BIGINT NOT NULL REFERENCES subtargets(id),
	status       TEXT NOT NULL DEFAULT 'requested'
);

CREATE TABLE IF NOT EXISTS workers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	public_key BYTEA NOT NULL,
	heartbeat  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS worker_skills (
	worker_id    TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	subtarget_id BIGINT NOT NULL REFERENCES subtargets(id),
	status       TEXT NOT NULL DEFAULT 'ready',
	PRIMARY KEY (worker_id, subtarget_id)
);

CREATE TABLE IF NOT EXISTS manifests (
	hash TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS manifest_packages (
	manifest_hash TEXT NOT NULL REFERENCES manifests(hash) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	version       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
	image_hash          TEXT PRIMARY KEY,
	subtarget_id        BIGINT NOT NULL REFERENCES subtargets(id),
	profile             TEXT NOT NULL,
	manifest_hash       TEXT NOT NULL REFERENCES manifests(hash),
	network_profile     TEXT NOT NULL DEFAULT '',
	checksum            TEXT NOT NULL,
	filesize            BIGINT NOT NULL,
	build_date          TIMESTAMPTZ NOT NULL DEFAULT now(),
	sysupgrade_filename TEXT NOT NULL DEFAULT '',
	subtarget_in_name   BOOLEAN NOT NULL DEFAULT false,
	profile_in_name     BOOLEAN NOT NULL DEFAULT false,
	vanilla             BOOLEAN NOT NULL DEFAULT false
);
`
