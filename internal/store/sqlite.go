package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/livechat-sync/internal/model"
)

// SQLitePersister stores threads and messages in a SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens (and if needed creates) the database at path.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &SQLitePersister{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		was_reopened INTEGER NOT NULL DEFAULT 0,
		agent_required INTEGER NOT NULL DEFAULT 0,
		assigned_agent TEXT NOT NULL DEFAULT '',
		resolution TEXT,
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL REFERENCES threads(id),
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		client_seq INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		attachment TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (thread_id, position),
		UNIQUE (thread_id, dedup_key)
	);
	`
	_, err := p.db.Exec(schema)
	return err
}

// Close closes the database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

const upsertThread = `
	INSERT INTO threads (id, status, was_reopened, agent_required, assigned_agent, resolution, created_at, last_activity, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		was_reopened = excluded.was_reopened,
		agent_required = excluded.agent_required,
		assigned_agent = excluded.assigned_agent,
		resolution = excluded.resolution,
		last_activity = excluded.last_activity,
		resolved_at = excluded.resolved_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveThread(ctx context.Context, db execer, t *model.Thread) error {
	resolution, err := marshalNullable(t.Resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	var resolvedAt any
	if t.ResolvedAt != nil {
		resolvedAt = formatTime(*t.ResolvedAt)
	}

	_, err = db.ExecContext(ctx, upsertThread,
		t.ID,
		string(t.Status),
		t.WasReopened,
		t.AgentRequired,
		t.AssignedAgent,
		resolution,
		formatTime(t.CreatedAt),
		formatTime(t.LastActivity),
		resolvedAt,
	)
	return err
}

// SaveThread upserts the thread header.
func (p *SQLitePersister) SaveThread(ctx context.Context, t *model.Thread) error {
	if err := saveThread(ctx, p.db, t); err != nil {
		return fmt.Errorf("save thread %s: %w", t.ID, err)
	}
	return nil
}

// AppendMessage stores msg and the thread header in one transaction.
func (p *SQLitePersister) AppendMessage(ctx context.Context, t *model.Thread, msg *model.Message) error {
	attachment, err := marshalNullable(msg.Attachment)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveThread(ctx, tx, t); err != nil {
		return fmt.Errorf("save thread %s: %w", t.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (thread_id, position, id, dedup_key, client_id, client_seq, role, content, attachment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ThreadID,
		msg.Position,
		msg.ID,
		msg.DedupKey,
		msg.ClientID,
		int64(msg.ClientSeq),
		string(msg.Role),
		msg.Content,
		attachment,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// LoadThreads returns all threads with their messages.
func (p *SQLitePersister) LoadThreads(ctx context.Context) ([]model.Thread, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, status, was_reopened, agent_required, assigned_agent, resolution, created_at, last_activity, resolved_at
		FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	index := make(map[string]int)
	for rows.Next() {
		var (
			t                       model.Thread
			status                  string
			resolution, resolvedAt  sql.NullString
			createdAt, lastActivity string
		)
		if err := rows.Scan(&t.ID, &status, &t.WasReopened, &t.AgentRequired, &t.AssignedAgent,
			&resolution, &createdAt, &lastActivity, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Status = model.Status(status)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.LastActivity, err = parseTime(lastActivity); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			ts, err := parseTime(resolvedAt.String)
			if err != nil {
				return nil, err
			}
			t.ResolvedAt = &ts
		}
		if resolution.Valid {
			var r model.Resolution
			if err := json.Unmarshal([]byte(resolution.String), &r); err != nil {
				return nil, fmt.Errorf("decode resolution: %w", err)
			}
			t.Resolution = &r
		}
		index[t.ID] = len(threads)
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := p.db.QueryContext(ctx, `
		SELECT thread_id, position, id, dedup_key, client_id, client_seq, role, content, attachment, created_at
		FROM messages ORDER BY thread_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var (
			m          model.Message
			role       string
			clientSeq  int64
			attachment sql.NullString
			createdAt  string
		)
		if err := msgRows.Scan(&m.ThreadID, &m.Position, &m.ID, &m.DedupKey, &m.ClientID, &clientSeq,
			&role, &m.Content, &attachment, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Role, err = model.ParseRole(role); err != nil {
			return nil, err
		}
		m.ClientSeq = uint64(clientSeq)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if attachment.Valid {
			var a model.Attachment
			if err := json.Unmarshal([]byte(attachment.String), &a); err != nil {
				return nil, fmt.Errorf("decode attachment: %w", err)
			}
			m.Attachment = &a
		}

		i, ok := index[m.ThreadID]
		if !ok {
			continue
		}
		threads[i].Messages = append(threads[i].Messages, m)
	}
	return threads, msgRows.Err()
}

func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
