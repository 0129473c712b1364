package storage

// Statements run one at a time; the column types are portable between
// SQLite and Postgres. Times are unix seconds, zero when unknown.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		topic_id BIGINT PRIMARY KEY,
		topic_title TEXT NOT NULL,
		category_id BIGINT NOT NULL DEFAULT 0,
		category_name TEXT NOT NULL DEFAULT '',
		last_post_time BIGINT NOT NULL DEFAULT 0,
		num_posts INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		post_id BIGINT PRIMARY KEY,
		topic_id BIGINT NOT NULL,
		post_number BIGINT NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		post_time BIGINT NOT NULL DEFAULT 0,
		post_canonical TEXT NOT NULL DEFAULT '',
		clean_text TEXT NOT NULL DEFAULT '',
		rendered_text TEXT NOT NULL DEFAULT '',
		quotes TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_topic ON posts (topic_id, post_time, post_number)`,
	`CREATE TABLE IF NOT EXISTS progress (
		topic_id BIGINT PRIMARY KEY,
		completed_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reply_trees (
		topic_id BIGINT PRIMARY KEY,
		topic_title TEXT NOT NULL DEFAULT '',
		posts_num INTEGER NOT NULL DEFAULT 0,
		posts_get INTEGER NOT NULL DEFAULT 0,
		tree_json TEXT NOT NULL,
		built_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_references (
		topic_id BIGINT NOT NULL,
		referencing_post_id BIGINT NOT NULL,
		referenced_post_id BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_post_references_topic ON post_references (topic_id)`,
}
