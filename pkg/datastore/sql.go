// Package datastore provides persistence for users, sessions, posts and votes.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NicolasHaas/gokarma/pkg/crypto"
	"github.com/NicolasHaas/gokarma/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// DB is satisfied by both *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the SQLite-backed DataStore.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*SQLStore, error) {
	return NewWithClock(dbPath, nil)
}

// NewWithClock is New with a custom clock for created_at timestamps.
func NewWithClock(dbPath string, now func() time.Time) (*SQLStore, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{db: db, now: now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT    NOT NULL,
		karma         INTEGER NOT NULL DEFAULT 0,
		streak        INTEGER NOT NULL DEFAULT 0 CHECK(streak >= 0),
		created_at    TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT    PRIMARY KEY,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS posts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		content    TEXT    NOT NULL,
		valid      INTEGER NOT NULL DEFAULT 1,
		created_at TEXT    NOT NULL,
		author_id  INTEGER NOT NULL REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS votes (
		post_id    INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		voter_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		up_or_down INTEGER NOT NULL CHECK(up_or_down IN (-1, 1)),
		PRIMARY KEY (post_id, voter_id)
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_posts_valid_created ON posts(valid, created_at)",
				"CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return s.getSchemaVersion(ctx)
}

func (s *SQLStore) execMigration(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *SQLStore) withTx(ctx context.Context, fn func(DB) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// inClause returns "(?, ?, ...)" and the matching args.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Karma, &u.Streak, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

func scanPost(row rowScanner, extra ...any) (*model.Post, error) {
	p := &model.Post{}
	var createdAt string
	var valid int
	dest := append([]any{&p.ID, &p.Content, &valid, &createdAt, &p.AuthorID}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.Valid = valid != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parsed
	return p, nil
}

const (
	userColumns = "id, username, karma, streak, created_at"
	postColumns = "id, content, valid, created_at, author_id"
)

// ---- Sessions ----

// CreateSession stores the hash of an issued token.
func (s *SQLStore) CreateSession(ctx context.Context, token string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token_hash, user_id, created_at) VALUES (?, ?, ?)",
		crypto.HashToken(token), userID, formatDBTime(s.now()))
	if err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	return nil
}

// RenewSession swaps a stored token for its replacement.
func (s *SQLStore) RenewSession(ctx context.Context, oldToken, newToken string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET token_hash = ?, created_at = ? WHERE token_hash = ?",
		crypto.HashToken(newToken), formatDBTime(s.now()), crypto.HashToken(oldToken))
	if err != nil {
		return fmt.Errorf("datastore: renew session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a stored token.
func (s *SQLStore) DeleteSession(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token_hash = ?", crypto.HashToken(token))
	if err != nil {
		return fmt.Errorf("datastore: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ---- Users ----

// CreateUser creates a new user and returns it with the assigned ID.
func (s *SQLStore) CreateUser(ctx context.Context, username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, hash, formatDBTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:        id,
		Username:  username,
		CreatedAt: now,
	}, nil
}

// FindUserByCredentials looks a user up by name and checks the password.
func (s *SQLStore) FindUserByCredentials(ctx context.Context, username, password string) (*model.User, error) {
	var hash string
	row := s.db.QueryRowContext(ctx,
		"SELECT password_hash, "+userColumns+" FROM users WHERE username = ?", username)
	u := &model.User{}
	var createdAt string
	err := row.Scan(&hash, &u.ID, &u.Username, &u.Karma, &u.Streak, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	ok, err := crypto.VerifyPassword(hash, password)
	if err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	if !ok {
		return nil, ErrIncorrectPassword
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: find user: %w", err)
	}
	return u, nil
}

// FindUserByID retrieves a user by ID.
func (s *SQLStore) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users in id order.
func (s *SQLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ---- Posts ----

// CreatePost validates and inserts an open post authored by authorID.
func (s *SQLStore) CreatePost(ctx context.Context, authorID int64, content string) (*model.Post, error) {
	p := &model.Post{
		Content:   content,
		Valid:     true,
		CreatedAt: s.now().UTC().Truncate(time.Second),
		AuthorID:  authorID,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: create post: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO posts (content, valid, created_at, author_id) VALUES (?, 1, ?, ?)",
		p.Content, formatDBTime(p.CreatedAt), p.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("datastore: create post: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return p, nil
}

// GetPost retrieves a post by ID.
func (s *SQLStore) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get post: %w", err)
	}
	return p, nil
}

// FetchValidPosts lists open posts with the viewer's own vote.
func (s *SQLStore) FetchValidPosts(ctx context.Context, viewerID int64) ([]model.PostView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.content, p.valid, p.created_at, p.author_id, COALESCE(v.up_or_down, 0)
		FROM posts p
		LEFT JOIN votes v ON v.post_id = p.id AND v.voter_id = ?
		WHERE p.valid = 1
		ORDER BY p.id`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("datastore: fetch posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	views := []model.PostView{}
	for rows.Next() {
		var dir int
		p, err := scanPost(rows, &dir)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan post: %w", err)
		}
		views = append(views, model.PostView{Post: *p, Vote: model.Direction(dir)})
	}
	return views, rows.Err()
}

// UpsertVote inserts or replaces a vote, only while the post is open.
func (s *SQLStore) UpsertVote(ctx context.Context, vote model.Vote) error {
	if err := vote.Validate(); err != nil {
		return fmt.Errorf("datastore: upsert vote: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (post_id, voter_id, up_or_down)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM posts WHERE id = ? AND valid = 1)
		ON CONFLICT (post_id, voter_id) DO UPDATE SET up_or_down = excluded.up_or_down`,
		vote.PostID, vote.VoterID, int(vote.Direction), vote.PostID)
	if err != nil {
		return fmt.Errorf("datastore: upsert vote: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	p, err := s.GetPost(ctx, vote.PostID)
	if err != nil {
		return err
	}
	if !p.Valid {
		return ErrPostClosed
	}
	return fmt.Errorf("datastore: upsert vote: no row written for post %d", vote.PostID)
}

// ---- Settlement ----

// ExpireStalePosts closes every open post created before olderThan.
func (s *SQLStore) ExpireStalePosts(ctx context.Context, olderThan time.Time) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE posts SET valid = 0 WHERE valid = 1 AND created_at < ? RETURNING "+postColumns,
		formatDBTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("datastore: expire posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan post: %w", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: expire posts: %w", err)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

// VotesForPosts loads the votes of the given posts grouped by post id.
func (s *SQLStore) VotesForPosts(ctx context.Context, postIDs []int64) (map[int64][]model.Vote, error) {
	out := make(map[int64][]model.Vote, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}
	in, args := inClause(postIDs)
	rows, err := s.db.QueryContext(ctx,
		"SELECT post_id, voter_id, up_or_down FROM votes WHERE post_id IN "+in+" ORDER BY post_id, voter_id",
		args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: votes for posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v model.Vote
		var dir int
		if err := rows.Scan(&v.PostID, &v.VoterID, &dir); err != nil {
			return nil, fmt.Errorf("datastore: scan vote: %w", err)
		}
		v.Direction = model.Direction(dir)
		out[v.PostID] = append(out[v.PostID], v)
	}
	return out, rows.Err()
}

// BulkAdjustKarma applies one karma delta and streak change to many users in a
// single statement.
func (s *SQLStore) BulkAdjustKarma(ctx context.Context, userIDs []int64, delta int64, op model.StreakOp) ([]model.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var streakExpr string
	switch op {
	case model.StreakIncrement:
		streakExpr = "streak + 1"
	case model.StreakReset:
		streakExpr = "0"
	default:
		return nil, fmt.Errorf("datastore: adjust karma: unknown streak op %d", op)
	}

	in, args := inClause(userIDs)
	var users []model.User
	err := s.withTx(ctx, func(db DB) error {
		rows, err := db.QueryContext(ctx,
			"UPDATE users SET karma = karma + ?, streak = "+streakExpr+" WHERE id IN "+in+" RETURNING "+userColumns,
			append([]any{delta}, args...)...)
		if err != nil {
			return fmt.Errorf("datastore: adjust karma: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return fmt.Errorf("datastore: scan user: %w", err)
			}
			users = append(users, *u)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("datastore: adjust karma: %w", err)
		}
		return rows.Close()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}
