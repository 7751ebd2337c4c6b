// Package sqlite implements the durable session store on a local SQLite
// database. Sessions and their transcripts live in two tables joined by a
// cascading foreign key; timestamps are stored as RFC3339Nano text.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/domain/session"
	"github.com/StudioForgeAI/AgentStudio/backend/internal/logging"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is a session.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// New opens (creating if needed) the database at dbPath and applies the
// schema.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store, err := NewFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewFromDB wraps an existing handle; used by tests with in-memory DBs.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, log: logging.NewDefault()}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA foreign_keys = ON;",
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			busy_since TEXT,
			display_name TEXT,
			model TEXT NOT NULL,
			system_prompt TEXT,
			allowed_tools TEXT,
			continuation_token TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			tool_calls TEXT,
			thinking TEXT,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

// Upsert writes the full record, replacing the stored transcript with the
// in-memory one.
func (s *Store) Upsert(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	tools, err := json.Marshal(sess.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, working_dir, status, created_at, last_activity,
			busy_since, display_name, model, system_prompt, allowed_tools, continuation_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   working_dir = excluded.working_dir,
		   status = excluded.status,
		   last_activity = excluded.last_activity,
		   busy_since = excluded.busy_since,
		   display_name = excluded.display_name,
		   model = excluded.model,
		   system_prompt = excluded.system_prompt,
		   allowed_tools = excluded.allowed_tools,
		   continuation_token = excluded.continuation_token`,
		sess.ID,
		sess.WorkingDir,
		string(sess.Status),
		formatTime(sess.CreatedAt),
		formatTime(sess.LastActivity),
		formatTimePtr(sess.BusySince),
		nullIfEmpty(sess.DisplayName),
		sess.Model,
		nullIfEmpty(sess.SystemPrompt),
		string(tools),
		nullIfEmpty(sess.ContinuationToken),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear messages for upsert: %w", err)
	}
	for _, msg := range sess.Messages {
		if err := insertMessage(ctx, tx, sess.ID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// Get fetches one record with its ordered transcript.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, working_dir, status, created_at, last_activity,
			busy_since, display_name, model, system_prompt, allowed_tools, continuation_token
		 FROM sessions WHERE session_id = ?`, id)

	sess, ok, err := scanSession(row)
	if err != nil || !ok {
		return nil, ok, err
	}

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, false, err
	}
	sess.Messages = msgs
	return sess, true, nil
}

// List fetches all records, oldest first, excluding closed unless asked.
func (s *Store) List(ctx context.Context, includeClosed bool) ([]*session.Session, error) {
	query := `SELECT session_id, working_dir, status, created_at, last_activity,
		busy_since, display_name, model, system_prompt, allowed_tools, continuation_token
	 FROM sessions`
	if !includeClosed {
		query += ` WHERE status != 'closed'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make([]*session.Session, 0)
	for rows.Next() {
		sess, err := scanSessionFields(rows)
		if err != nil {
			// One unreadable record must not take the rest down with it.
			s.log.Warn("skipping unreadable session row", zap.Error(err))
			continue
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for _, sess := range result {
		msgs, err := s.messages(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Messages = msgs
	}
	return result, nil
}

// Delete removes the record; messages go with it via the cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable cascade: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage appends one transcript entry and bumps last activity in
// the same transaction.
func (s *Store) AppendMessage(ctx context.Context, id string, msg session.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertMessage(ctx, tx, id, msg); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		formatTime(msg.Timestamp), id); err != nil {
		return fmt.Errorf("bump last activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (s *Store) ClearMessages(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status session.Status, busySince *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, busy_since = ? WHERE session_id = ?`,
		string(status), formatTimePtr(busySince), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (s *Store) SetContinuationToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET continuation_token = ? WHERE session_id = ?`,
		nullIfEmpty(token), id)
	if err != nil {
		return fmt.Errorf("update continuation token: %w", err)
	}
	return nil
}

func (s *Store) SetDisplayName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET display_name = ? WHERE session_id = ?`,
		nullIfEmpty(name), id)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

func (s *Store) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

func (s *Store) messages(ctx context.Context, id string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, timestamp, tool_calls, thinking
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []session.Message
	for rows.Next() {
		var (
			msg          session.Message
			timestampRaw string
			toolCalls    sql.NullString
			thinking     sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &timestampRaw, &toolCalls, &thinking); err != nil {
			s.log.Warn("skipping unreadable message row",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, timestampRaw)
		if err != nil {
			s.log.Warn("skipping message with bad timestamp",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		msg.Timestamp = ts
		msg.Thinking = thinking.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				s.log.Warn("skipping message with bad tool calls",
					zap.String("session_id", id), zap.Error(err))
				continue
			}
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, id string, msg session.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, timestamp, tool_calls, thinking)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, msg.Role, msg.Content, formatTime(msg.Timestamp), toolCalls, nullIfEmpty(msg.Thinking))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*session.Session, bool, error) {
	sess, err := scanSessionFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func scanSessionFields(row rowScanner) (*session.Session, error) {
	var (
		sess                     session.Session
		status                   string
		createdRaw, activityRaw  string
		busyRaw                  sql.NullString
		displayName, prompt      sql.NullString
		tools, continuationToken sql.NullString
	)

	err := row.Scan(
		&sess.ID,
		&sess.WorkingDir,
		&status,
		&createdRaw,
		&activityRaw,
		&busyRaw,
		&displayName,
		&sess.Model,
		&prompt,
		&tools,
		&continuationToken,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = session.Status(status)
	sess.DisplayName = displayName.String
	sess.SystemPrompt = prompt.String
	sess.ContinuationToken = continuationToken.String

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, activityRaw); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	if busyRaw.Valid {
		busy, err := time.Parse(time.RFC3339Nano, busyRaw.String)
		if err != nil {
			return nil, fmt.Errorf("parse busy_since: %w", err)
		}
		sess.BusySince = &busy
	}
	if tools.Valid && tools.String != "" && tools.String != "null" {
		if err := json.Unmarshal([]byte(tools.String), &sess.AllowedTools); err != nil {
			return nil, fmt.Errorf("parse allowed tools: %w", err)
		}
	}
	return &sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
