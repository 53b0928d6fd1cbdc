package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/shared"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	summaryFormatHTML = 1
	retryAttempts     = 3
	retryBaseDelay    = 50 * time.Millisecond
)

// SQLStore implements Repository and ExpiringSessionStore on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var (
	_ Repository           = (*SQLStore)(nil)
	_ ExpiringSessionStore = (*SQLStore)(nil)
)

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, dialectSQLite)
}

// NewPostgres creates a new Postgres-backed store.
func NewPostgres(databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: dialect}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLStore) initSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	prelude := "PRAGMA busy_timeout = 5000;\n"
	if s.dialect == dialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		prelude = ""
	}

	query := prelude + strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		lang TEXT NOT NULL DEFAULT '',
		is_site_admin INTEGER NOT NULL DEFAULT 0,
		can_create_course INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS courses (
		id {{ID}},
		fullname TEXT NOT NULL,
		shortname TEXT NOT NULL UNIQUE,
		summary TEXT NOT NULL DEFAULT '',
		summary_format INTEGER NOT NULL DEFAULT 1,
		format TEXT NOT NULL DEFAULT 'weeks',
		category BIGINT NOT NULL DEFAULT 1,
		visible INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS course_sections (
		id {{ID}},
		course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		section INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		summary_format INTEGER NOT NULL DEFAULT 1,
		UNIQUE (course_id, section)
	);

	CREATE TABLE IF NOT EXISTS course_modules (
		id {{ID}},
		course_id BIGINT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
		section INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_course_modules_course ON course_modules(course_id, section, position);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id {{ID}},
		user_id TEXT NOT NULL,
		course_id BIGINT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		content_transcription TEXT NOT NULL DEFAULT '',
		content_html TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_slot ON chat_messages(user_id, course_id, id);
	`, "{{ID}}", idColumn)

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for seeding and tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// GetUser retrieves a user by their user ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := s.rebind(`
		SELECT user_id, username, lang, is_site_admin, can_create_course,
		       created_at, updated_at
		FROM users WHERE user_id = ?`)

	var user domain.User
	var isAdmin, canCreate int
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &user.Lang, &isAdmin, &canCreate,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.IsSiteAdmin = isAdmin != 0
	user.CanCreateCourse = canCreate != 0
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := s.rebind(`
	INSERT INTO users (user_id, username, lang, is_site_admin, can_create_course, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		lang = excluded.lang,
		is_site_admin = excluded.is_site_admin,
		can_create_course = excluded.can_create_course,
		updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.Lang,
		boolToInt(user.IsSiteAdmin), boolToInt(user.CanCreateCourse),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetCourse loads a course with its sections and modules.
func (s *SQLStore) GetCourse(ctx context.Context, courseID int64) (*domain.Course, error) {
	query := s.rebind(`
		SELECT id, fullname, shortname, summary, format, category, visible, created_at
		FROM courses WHERE id = ?`)

	var course domain.Course
	var visible int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, courseID).Scan(
		&course.ID, &course.Fullname, &course.Shortname, &course.Summary,
		&course.Format, &course.Category, &visible, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan course row: %w", err)
	}
	course.Visible = visible != 0
	course.CreatedAt = time.Unix(createdAt, 0)

	sections, err := s.loadSections(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := s.loadModules(ctx, courseID, sections); err != nil {
		return nil, err
	}
	course.Sections = sections

	return &course, nil
}

func (s *SQLStore) loadSections(ctx context.Context, courseID int64) ([]domain.Section, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, section, name, summary
		FROM course_sections WHERE course_id = ? ORDER BY section`), courseID)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close section rows", "error", closeErr)
		}
	}()

	var sections []domain.Section
	for rows.Next() {
		var sec domain.Section
		if err := rows.Scan(&sec.ID, &sec.Number, &sec.Name, &sec.Summary); err != nil {
			return nil, fmt.Errorf("scan section row: %w", err)
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return sections, nil
}

func (s *SQLStore) loadModules(ctx context.Context, courseID int64, sections []domain.Section) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, section, kind, name, summary, visible
		FROM course_modules WHERE course_id = ? ORDER BY section, position, id`), courseID)
	if err != nil {
		return fmt.Errorf("query modules: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close module rows", "error", closeErr)
		}
	}()

	index := make(map[int]int, len(sections))
	for i, sec := range sections {
		index[sec.Number] = i
	}

	for rows.Next() {
		var mod domain.Module
		var sectionNum, visible int
		if err := rows.Scan(&mod.ID, &sectionNum, &mod.Kind, &mod.Name, &mod.Summary, &visible); err != nil {
			return fmt.Errorf("scan module row: %w", err)
		}
		mod.Visible = visible != 0
		i, ok := index[sectionNum]
		if !ok {
			slog.Warn("module references missing section", "course_id", courseID, "section", sectionNum, "module_id", mod.ID)
			continue
		}
		sections[i].Modules = append(sections[i].Modules, mod)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate modules: %w", err)
	}
	return nil
}

// ShortnameExists reports whether a course already uses the shortname.
func (s *SQLStore) ShortnameExists(ctx context.Context, shortname string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM courses WHERE shortname = ?`), shortname).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count shortname: %w", err)
	}
	return n > 0, nil
}

// CreateCourse inserts the course and its sections in one transaction.
func (s *SQLStore) CreateCourse(ctx context.Context, course *domain.Course, sections []domain.Section) (int64, error) {
	var id int64
	err := shared.RetryOnConflict(ctx, "create_course", retryAttempts, retryBaseDelay, func() error {
		var err error
		id, err = s.createCourseOnce(ctx, course, sections)
		return err
	})
	return id, err
}

func (s *SQLStore) createCourseOnce(ctx context.Context, course *domain.Course, sections []domain.Section) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin course tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := course.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO courses (fullname, shortname, summary, summary_format, format, category, visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		course.Fullname, course.Shortname, course.Summary, summaryFormatHTML,
		course.Format, course.Category, boolToInt(course.Visible), createdAt.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert course: %w", err)
	}

	sectionQuery := s.rebind(`
		INSERT INTO course_sections (course_id, section, name, summary, summary_format)
		VALUES (?, ?, ?, ?, ?)`)
	for _, sec := range sections {
		if _, err := tx.ExecContext(ctx, sectionQuery, id, sec.Number, sec.Name, sec.Summary, summaryFormatHTML); err != nil {
			return 0, fmt.Errorf("insert section %d: %w", sec.Number, err)
		}
		for pos, mod := range sec.Modules {
			if err := s.insertModule(ctx, tx, id, sec.Number, pos, mod); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit course tx: %w", err)
	}
	return id, nil
}

func (s *SQLStore) insertModule(ctx context.Context, tx *sql.Tx, courseID int64, section, position int, mod domain.Module) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO course_modules (course_id, section, position, kind, name, summary, visible)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		courseID, section, position, mod.Kind, mod.Name, mod.Summary, boolToInt(mod.Visible),
	)
	if err != nil {
		return fmt.Errorf("insert module %q: %w", mod.Name, err)
	}
	return nil
}

// Append adds a message to the slot's history.
func (s *SQLStore) Append(ctx context.Context, key domain.SessionKey, msg domain.ConversationMessage) error {
	query := s.rebind(`
		INSERT INTO chat_messages (user_id, course_id, role, content, content_transcription, content_html, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	return shared.RetryOnConflict(ctx, "append_message", retryAttempts, retryBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			key.UserID, key.CourseID, string(msg.Role), msg.Content,
			msg.ContentTranscription, msg.ContentHTML, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// Read returns the slot's history, oldest first.
func (s *SQLStore) Read(ctx context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT role, content, content_transcription, content_html
		FROM chat_messages WHERE user_id = ? AND course_id = ? ORDER BY id`),
		key.UserID, key.CourseID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var history []domain.ConversationMessage
	for rows.Next() {
		var msg domain.ConversationMessage
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.ContentTranscription, &msg.ContentHTML); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return history, nil
}

// Reset clears the slot's history.
func (s *SQLStore) Reset(ctx context.Context, key domain.SessionKey) error {
	query := s.rebind(`DELETE FROM chat_messages WHERE user_id = ? AND course_id = ?`)
	return shared.RetryOnConflict(ctx, "reset_session", retryAttempts, retryBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, key.UserID, key.CourseID); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		return nil
	})
}

// CleanupExpiredSessions removes slots idle for longer than ttl.
func (s *SQLStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, course_id FROM chat_messages
		GROUP BY user_id, course_id
		HAVING MAX(created_at) < ?`), threshold)
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}

	var expired []domain.SessionKey
	for rows.Next() {
		var key domain.SessionKey
		if err := rows.Scan(&key.UserID, &key.CourseID); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan expired session row: %w", err)
		}
		expired = append(expired, key)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate expired sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("close expired session rows: %w", err)
	}

	var removed int64
	for _, key := range expired {
		if err := s.Reset(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
