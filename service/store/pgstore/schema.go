package pgstore

// schemaDDL creates the client cache tables. The watermark columns on topics
// mirror the fields of store.Topic; min_local_seq of 0 means no cached
// messages yet.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS client_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS topics (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	updated       TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq           INT NOT NULL DEFAULT 0,
	read          INT NOT NULL DEFAULT 0,
	recv          INT NOT NULL DEFAULT 0,
	min_local_seq INT NOT NULL DEFAULT 0,
	max_local_seq INT NOT NULL DEFAULT 0,
	public        JSONB,
	private       JSONB
);

CREATE TABLE IF NOT EXISTS users (
	id      BIGSERIAL PRIMARY KEY,
	uid     TEXT NOT NULL UNIQUE,
	updated TIMESTAMPTZ NOT NULL DEFAULT now(),
	public  JSONB
);

CREATE TABLE IF NOT EXISTS subs (
	id       BIGSERIAL PRIMARY KEY,
	topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
	user_id  BIGINT NOT NULL REFERENCES users(id),
	uid      TEXT NOT NULL,
	mode     TEXT NOT NULL DEFAULT '',
	status   INT NOT NULL DEFAULT 0,
	read     INT NOT NULL DEFAULT 0,
	recv     INT NOT NULL DEFAULT 0,
	updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (topic_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id       BIGSERIAL PRIMARY KEY,
	topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
	user_id  BIGINT NOT NULL REFERENCES users(id),
	author   TEXT NOT NULL,
	seq      INT NOT NULL DEFAULT 0,
	ts       TIMESTAMPTZ NOT NULL DEFAULT now(),
	status   INT NOT NULL DEFAULT 0,
	content  JSONB
);

CREATE INDEX IF NOT EXISTS messages_topic_seq ON messages (topic_id, seq);
`
