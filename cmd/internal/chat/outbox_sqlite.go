package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOutbox is the durable OutboxStore. It is embedded client-side
// state (one file per signed-in user), so SQLite fits where a served
// database would not.
type SQLiteOutbox struct {
	db *sql.DB
}

const sqliteOutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	local_id           TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL,
	sender_id          TEXT NOT NULL,
	nonce              TEXT NOT NULL,
	kind               TEXT NOT NULL,
	text               TEXT NOT NULL DEFAULT '',
	reply_to_id        TEXT NOT NULL DEFAULT '',
	media_url          TEXT NOT NULL DEFAULT '',
	media_content_type TEXT NOT NULL DEFAULT '',
	media_blob         BLOB,
	state              TEXT NOT NULL,
	created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_created_at ON outbox (created_at);
`

// NewSQLiteOutbox opens (or creates) the outbox database at path.
func NewSQLiteOutbox(path string) (*SQLiteOutbox, error) {
	if path == "" {
		return nil, errors.New("chat: empty outbox path")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("chat: open outbox: %w", err)
	}
	if _, err := db.Exec(sqliteOutboxSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chat: outbox schema: %w", err)
	}
	return &SQLiteOutbox{db: db}, nil
}

// Put upserts an entry keyed by LocalID.
func (s *SQLiteOutbox) Put(ctx context.Context, e OutboxEntry) error {
	if e.LocalID == "" {
		return errors.New("chat: outbox entry missing local id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox
			(local_id, conversation_id, sender_id, nonce, kind, text,
			 reply_to_id, media_url, media_content_type, media_blob, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			media_url = excluded.media_url,
			media_blob = excluded.media_blob,
			state = excluded.state`,
		e.LocalID, e.ConversationID, e.SenderID, e.Nonce, string(e.Kind), e.Text,
		e.ReplyToID, e.MediaURL, e.MediaContentType, e.MediaBlob, e.State, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chat: outbox put: %w", err)
	}
	return nil
}

// SetState updates an entry's state.
func (s *SQLiteOutbox) SetState(ctx context.Context, localID, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = ? WHERE local_id = ?`, state, localID)
	if err != nil {
		return fmt.Errorf("chat: outbox set state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

// SetMediaURL records a completed upload and drops the blob.
func (s *SQLiteOutbox) SetMediaURL(ctx context.Context, localID, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET media_url = ?, media_blob = NULL WHERE local_id = ?`, url, localID)
	if err != nil {
		return fmt.Errorf("chat: outbox set media url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

// Delete removes an entry.
func (s *SQLiteOutbox) Delete(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("chat: outbox delete: %w", err)
	}
	return nil
}

// Pending returns all entries ordered by CreatedAt ascending.
func (s *SQLiteOutbox) Pending(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, conversation_id, sender_id, nonce, kind, text,
		       reply_to_id, media_url, media_content_type, media_blob, state, created_at
		FROM outbox
		ORDER BY created_at ASC, local_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("chat: outbox pending: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var kind string
		var blob []byte
		if err := rows.Scan(
			&e.LocalID, &e.ConversationID, &e.SenderID, &e.Nonce, &kind, &e.Text,
			&e.ReplyToID, &e.MediaURL, &e.MediaContentType, &blob, &e.State, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("chat: outbox scan: %w", err)
		}
		e.Kind = MessageKind(kind)
		e.MediaBlob = blob
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: outbox rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteOutbox) Close() error { return s.db.Close() }
