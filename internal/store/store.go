// Package store implements the durable log (DL): a single SQLite file in
// WAL mode holding topics, messages, and consumer cursors, per spec.md
// §4.1. The writer drives all mutations inside its own transactions; the
// reader pool issues read-only queries against pooled connections. Both
// sides share the helpers in this package, parameterized over a Queryer
// so the same SQL works inside a *sql.Tx or directly against a *sql.DB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/adred-codev/sluice/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT UNIQUE NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	topic_id   INTEGER NOT NULL,
	sequence   INTEGER NOT NULL,
	message_id TEXT UNIQUE NOT NULL,
	payload    BLOB,
	attributes TEXT,
	timestamp  INTEGER NOT NULL,
	PRIMARY KEY (topic_id, sequence)
);

CREATE TABLE IF NOT EXISTS cursors (
	topic_id       INTEGER NOT NULL,
	consumer_group TEXT NOT NULL,
	last_seq       INTEGER NOT NULL,
	PRIMARY KEY (topic_id, consumer_group)
);
`

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting every helper
// below run either as a standalone read or as a step inside the writer's
// group-commit transaction.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenWriter opens the single write-capable connection. Per spec.md §4.1
// the writer exclusively owns this handle, so the pool is capped at one
// connection to make "single writer" structurally true rather than just
// conventionally true.
func OpenWriter(path string, walCheckpointPages int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=off&_temp_store=memory", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open writer db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", walCheckpointPages)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set checkpoint threshold: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenReader opens a WAL-compatible read-only connection for the reader
// pool (spec.md §4.8). Multiple reader connections may be open
// concurrently; WAL mode allows readers to proceed without blocking on
// the writer.
func OpenReader(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&mode=ro&_query_only=true", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open reader db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}

// ResolveOrCreateTopic returns the id of an existing topic, or creates one
// with created_at=now and returns its id. Races between concurrent
// first-publishers to the same new topic name are resolved
// first-insert-wins + read-back, per spec.md §4.2.
func ResolveOrCreateTopic(ctx context.Context, q Queryer, name string, now int64) (id int64, err error) {
	row := q.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = ?`, name)
	if err := row.Scan(&id); err == nil {
		return id, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: lookup topic %q: %w", name, err)
	}

	res, err := q.ExecContext(ctx, `INSERT INTO topics (name, created_at) VALUES (?, ?)`, name, now)
	if err != nil {
		// Another writer in the same batch/process already inserted it
		// first; read back its id rather than treating this as fatal.
		if isUniqueViolation(err) {
			row := q.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = ?`, name)
			if scanErr := row.Scan(&id); scanErr == nil {
				return id, nil
			}
		}
		return 0, fmt.Errorf("store: create topic %q: %w", name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read new topic id: %w", err)
	}
	return id, nil
}

// MaxSequence returns the highest committed sequence for a topic, or 0
// if the topic has no messages yet.
func MaxSequence(ctx context.Context, q Queryer, topicID int64) (uint64, error) {
	row := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE topic_id = ?`, topicID)
	var max uint64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("store: max sequence for topic %d: %w", topicID, err)
	}
	return max, nil
}

// InsertMessage inserts a single row at the given sequence. Callers are
// responsible for having computed a gap-free, monotonic sequence inside
// the same transaction (spec.md invariant 1).
func InsertMessage(ctx context.Context, q Queryer, msg model.Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (topic_id, sequence, message_id, payload, attributes, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.TopicID, msg.Sequence, msg.MessageID, nullableBlob(msg.Payload), nullableText(msg.Attributes), msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// FetchRange returns up to limit messages on topicID with sequence >
// afterSeq, ordered by sequence ascending.
func FetchRange(ctx context.Context, q Queryer, topicID int64, afterSeq uint64, limit int) ([]model.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT topic_id, sequence, message_id, payload, attributes, timestamp
		FROM messages
		WHERE topic_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`, topicID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch range: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m        model.Message
			payload  []byte
			attrText []byte
		)
		if err := rows.Scan(&m.TopicID, &m.Sequence, &m.MessageID, &payload, &attrText, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message row: %w", err)
		}
		m.Payload = payload
		attrs, err := model.DecodeAttributes(attrText)
		if err != nil {
			return nil, err
		}
		m.Attributes = attrs
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate message rows: %w", err)
	}
	return out, nil
}

// TopicSummary is one row of ListTopics' result.
type TopicSummary struct {
	Name      string
	CreatedAt int64
}

// ListTopics returns every topic sorted lexicographically by name
// (spec.md §4.1, §8 scenario 7).
func ListTopics(ctx context.Context, q Queryer) ([]TopicSummary, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, created_at FROM topics ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list topics: %w", err)
	}
	defer rows.Close()

	var out []TopicSummary
	for rows.Next() {
		var t TopicSummary
		if err := rows.Scan(&t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan topic row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LookupTopicID resolves a topic name to its id without creating it.
// Returns found=false if no such topic exists (spec.md §4.4: Subscribe
// does not auto-create).
func LookupTopicID(ctx context.Context, q Queryer, name string) (id int64, found bool, err error) {
	row := q.QueryRowContext(ctx, `SELECT id FROM topics WHERE name = ?`, name)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: lookup topic %q: %w", name, err)
	}
	return id, true, nil
}

// AdvanceCursor upserts the (topic, group) cursor to seq, but only if seq
// is greater than the stored value (acks may arrive out of order or be
// retried; this keeps the advance monotonic).
func AdvanceCursor(ctx context.Context, q Queryer, topicID int64, group string, seq uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cursors (topic_id, consumer_group, last_seq) VALUES (?, ?, ?)
		ON CONFLICT (topic_id, consumer_group) DO UPDATE SET last_seq = excluded.last_seq
		WHERE excluded.last_seq > cursors.last_seq`, topicID, group, seq)
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the durable last-acknowledged sequence for
// (topic, group), or found=false if no cursor exists yet.
func LoadCursor(ctx context.Context, q Queryer, topicID int64, group string) (seq uint64, found bool, err error) {
	row := q.QueryRowContext(ctx, `SELECT last_seq FROM cursors WHERE topic_id = ? AND consumer_group = ?`, topicID, group)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: load cursor: %w", err)
	}
	return seq, true, nil
}

func nullableBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullableText(attrs map[string]string) any {
	data, err := model.EncodeAttributes(attrs)
	if err != nil || data == nil {
		return nil
	}
	return data
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// IsTransient classifies a storage error as retryable (disk pressure,
// lock contention) vs fatal (corruption), per spec.md §7's
// Storage-transient/Storage-fatal split.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrFull, sqlite3.ErrIoErr:
			return true
		}
	}
	return false
}
