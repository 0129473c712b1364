package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"ForumScanner/internal/config"
	"ForumScanner/internal/domain"
	"ForumScanner/internal/ports"
)

const (
	sqlitePragmas    = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	referenceBatch   = 500
	sqliteMemoryPath = ":memory:"
)

var threadColumns = []string{
	"topic_id",
	"topic_title",
	"category_id",
	"category_name",
	"last_post_time",
	"num_posts",
}

var postColumns = []string{
	"post_id",
	"topic_id",
	"post_number",
	"username",
	"post_time",
	"post_canonical",
	"clean_text",
	"rendered_text",
	"quotes",
	"metadata",
}

// Repository persists threads, posts, progress marks and reply trees
// in SQLite or Postgres.
type Repository struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

var (
	_ ports.ThreadRepository    = (*Repository)(nil)
	_ ports.PostRepository      = (*Repository)(nil)
	_ ports.ProgressStore       = (*Repository)(nil)
	_ ports.ReplyTreeRepository = (*Repository)(nil)
)

// Open connects to the configured database, pings it and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Repository, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case config.DriverSQLite, "":
		dsn, prepErr := sqliteDSN(cfg.DSN)
		if prepErr != nil {
			return nil, prepErr
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil && strings.Contains(cfg.DSN, sqliteMemoryPath) {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
	case config.DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	repo := NewRepository(db, cfg.Driver, logger)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return repo, nil
}

// NewRepository wraps an already opened handle.
func NewRepository(db *sql.DB, driver string, logger *slog.Logger) *Repository {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == config.DriverPostgres {
		placeholder = sq.Dollar
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
		logger: logger,
	}
}

func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		dsn = "data/forum.db"
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != sqliteMemoryPath && path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn, nil
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas, nil
	}
	return dsn + "?" + sqlitePragmas, nil
}

// Migrate creates missing tables and indexes.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying handle.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// upsertSuffix overwrites cols from the incoming row. Rows whose content is
// unchanged are left alone, so updated_at only moves on real changes.
func upsertSuffix(table, key string, cols []string) string {
	set := make([]string, 0, len(cols)+1)
	changed := make([]string, 0, len(cols))
	for _, col := range cols {
		set = append(set, fmt.Sprintf("%s = excluded.%s", col, col))
		changed = append(changed, fmt.Sprintf("%s.%s IS DISTINCT FROM excluded.%s", table, col, col))
	}
	set = append(set, "updated_at = excluded.updated_at")
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s WHERE %s",
		key, strings.Join(set, ", "), strings.Join(changed, " OR "))
}

// UpsertThread inserts the thread or refreshes every column.
func (r *Repository) UpsertThread(ctx context.Context, thread domain.Thread) error {
	query, args, err := r.sb.Insert("threads").
		Columns(append(threadColumns, "updated_at")...).
		Values(thread.ID, thread.Title, thread.CategoryID, thread.CategoryName, unixSeconds(thread.LastPostTime), thread.PostCount, time.Now().Unix()).
		Suffix(upsertSuffix("threads", "topic_id", threadColumns[1:])).
		ToSql()
	if err != nil {
		return fmt.Errorf("build thread upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert thread %d: %w", thread.ID, err)
	}
	return nil
}

// GetThread loads one thread or returns domain.ErrNotFound.
func (r *Repository) GetThread(ctx context.Context, threadID int64) (domain.Thread, error) {
	query, args, err := r.sb.Select("topic_id", "topic_title", "category_id", "category_name", "last_post_time", "num_posts").
		From("threads").
		Where(sq.Eq{"topic_id": threadID}).
		ToSql()
	if err != nil {
		return domain.Thread{}, fmt.Errorf("build thread select: %w", err)
	}

	var (
		thread   domain.Thread
		lastPost int64
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&thread.ID,
		&thread.Title,
		&thread.CategoryID,
		&thread.CategoryName,
		&lastPost,
		&thread.PostCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Thread{}, fmt.Errorf("thread %d: %w", threadID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Thread{}, fmt.Errorf("get thread %d: %w", threadID, err)
	}
	thread.LastPostTime = fromUnix(lastPost)
	return thread, nil
}

// ListThreadIDs returns ids of threads that have stored posts.
func (r *Repository) ListThreadIDs(ctx context.Context) ([]int64, error) {
	query, args, err := r.sb.Select("topic_id").
		Distinct().
		From("posts").
		OrderBy("topic_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build thread ids select: %w", err)
	}
	return r.queryIDs(ctx, query, args)
}

// UpsertPost inserts the post or overwrites it with the remote version.
func (r *Repository) UpsertPost(ctx context.Context, post domain.Post) error {
	quotes := post.Quotes
	if quotes == nil {
		quotes = []domain.QuoteNode{}
	}
	quotesJSON, err := json.Marshal(quotes)
	if err != nil {
		return fmt.Errorf("encode quotes of post %d: %w", post.ID, err)
	}
	metadata := string(post.Metadata)
	if strings.TrimSpace(metadata) == "" {
		metadata = "{}"
	}

	query, args, err := r.sb.Insert("posts").
		Columns(append(postColumns, "updated_at")...).
		Values(
			post.ID,
			post.ThreadID,
			post.Number,
			post.Author,
			unixSeconds(post.PostTime),
			post.RawText,
			post.CleanText,
			post.RenderedText,
			string(quotesJSON),
			metadata,
			time.Now().Unix(),
		).
		Suffix(upsertSuffix("posts", "post_id", postColumns[1:])).
		ToSql()
	if err != nil {
		return fmt.Errorf("build post upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert post %d: %w", post.ID, err)
	}
	return nil
}

// ListPosts returns the thread's posts ordered by time, number and id.
func (r *Repository) ListPosts(ctx context.Context, threadID int64) ([]domain.Post, error) {
	query, args, err := r.sb.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"topic_id": threadID}).
		OrderBy("post_time", "post_number", "post_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build posts select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts of thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			post     domain.Post
			postTime int64
			quotes   string
			metadata string
		)
		if err := rows.Scan(
			&post.ID,
			&post.ThreadID,
			&post.Number,
			&post.Author,
			&postTime,
			&post.RawText,
			&post.CleanText,
			&post.RenderedText,
			&quotes,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		post.PostTime = fromUnix(postTime)
		if quotes != "" {
			if err := json.Unmarshal([]byte(quotes), &post.Quotes); err != nil {
				r.logger.Warn("stored quotes unreadable", "post_id", post.ID, "err", err)
			}
		}
		post.Metadata = json.RawMessage(metadata)
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return posts, nil
}

// InsertProgress records a completed thread. A second insert for the same
// thread fails with ErrDuplicate.
func (r *Repository) InsertProgress(ctx context.Context, threadID int64) error {
	query, args, err := r.sb.Insert("progress").
		Columns("topic_id", "completed_at").
		Values(threadID, time.Now().Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build progress insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("progress for thread %d: %w", threadID, ErrDuplicate)
		}
		return fmt.Errorf("insert progress %d: %w", threadID, err)
	}
	return nil
}

// ListProgress returns every completed thread id.
func (r *Repository) ListProgress(ctx context.Context) ([]int64, error) {
	query, args, err := r.sb.Select("topic_id").From("progress").OrderBy("topic_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build progress select: %w", err)
	}
	return r.queryIDs(ctx, query, args)
}

// UpsertReplyTree replaces the stored snapshot for the tree's thread.
func (r *Repository) UpsertReplyTree(ctx context.Context, tree domain.ReplyTree) error {
	graph := tree.Graph
	if graph.Nodes == nil {
		graph.Nodes = []domain.ReplyNode{}
	}
	if graph.Edges == nil {
		graph.Edges = []domain.ReplyEdge{}
	}
	payload, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("encode tree of thread %d: %w", tree.ThreadID, err)
	}

	query, args, err := r.sb.Insert("reply_trees").
		Columns("topic_id", "topic_title", "posts_num", "posts_get", "tree_json", "built_at").
		Values(tree.ThreadID, tree.Title, tree.PostsNum, tree.PostsGet, string(payload), time.Now().Unix()).
		Suffix(`ON CONFLICT (topic_id) DO UPDATE SET
			topic_title = excluded.topic_title,
			posts_num = excluded.posts_num,
			posts_get = excluded.posts_get,
			tree_json = excluded.tree_json,
			built_at = excluded.built_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tree upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert tree %d: %w", tree.ThreadID, err)
	}
	return nil
}

// GetReplyTree loads a stored snapshot or returns domain.ErrNotFound.
func (r *Repository) GetReplyTree(ctx context.Context, threadID int64) (domain.ReplyTree, error) {
	query, args, err := r.sb.Select("topic_id", "topic_title", "posts_num", "posts_get", "tree_json").
		From("reply_trees").
		Where(sq.Eq{"topic_id": threadID}).
		ToSql()
	if err != nil {
		return domain.ReplyTree{}, fmt.Errorf("build tree select: %w", err)
	}

	var (
		tree    domain.ReplyTree
		payload string
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&tree.ThreadID, &tree.Title, &tree.PostsNum, &tree.PostsGet, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReplyTree{}, fmt.Errorf("tree %d: %w", threadID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ReplyTree{}, fmt.Errorf("get tree %d: %w", threadID, err)
	}
	if err := json.Unmarshal([]byte(payload), &tree.Graph); err != nil {
		return domain.ReplyTree{}, fmt.Errorf("decode tree %d: %w", threadID, err)
	}
	return tree, nil
}

// ReplaceReferences swaps the thread's reference edges inside one transaction.
func (r *Repository) ReplaceReferences(ctx context.Context, threadID int64, edges []domain.ReferenceEdge) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin references tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := r.sb.Delete("post_references").Where(sq.Eq{"topic_id": threadID}).ToSql()
	if err != nil {
		return fmt.Errorf("build references delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete references of thread %d: %w", threadID, err)
	}

	for start := 0; start < len(edges); start += referenceBatch {
		end := min(start+referenceBatch, len(edges))
		insert := r.sb.Insert("post_references").Columns("topic_id", "referencing_post_id", "referenced_post_id")
		for _, e := range edges[start:end] {
			insert = insert.Values(threadID, e.ReferencingPostID, e.ReferencedPostID)
		}
		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("build references insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert references of thread %d: %w", threadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit references of thread %d: %w", threadID, err)
	}
	return nil
}

// ListReferences returns the stored reference edges of a thread.
func (r *Repository) ListReferences(ctx context.Context, threadID int64) ([]domain.ReferenceEdge, error) {
	query, args, err := r.sb.Select("referencing_post_id", "referenced_post_id").
		From("post_references").
		Where(sq.Eq{"topic_id": threadID}).
		OrderBy("referencing_post_id", "referenced_post_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build references select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query references of thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var edges []domain.ReferenceEdge
	for rows.Next() {
		var e domain.ReferenceEdge
		if err := rows.Scan(&e.ReferencingPostID, &e.ReferencedPostID); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (r *Repository) queryIDs(ctx context.Context, query string, args []any) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return ids, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
