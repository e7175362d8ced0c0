package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/aeolun/chatcore/pkg/model"
)

// SQLite is a MessageStore backed by a local SQLite database.
type SQLite struct {
	mu     sync.Mutex
	db     *sql.DB
	window int
	closed bool
}

// OpenSQLite opens or creates the message cache at path.
func OpenSQLite(path string, window int) (*SQLite, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message cache: %w", err)
	}

	// a single connection also keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLite{db: db, window: window}
	if err := runMigrations(db, logrus.WithField("component", "store")); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// LoadMessages implements MessageStore.
func (s *SQLite) LoadMessages(room string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT id, from_jid, nick, body, ts, type, history, edited, replace_id, media, data
		FROM Message WHERE room = ?
		ORDER BY ts ASC, id ASC
	`, room)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", room, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m            model.Message
			ts           int64
			media, data  sql.NullString
			hist, edited bool
		)
		if err := rows.Scan(&m.ID, &m.From, &m.Nick, &m.Body, &ts, &m.Type, &hist, &edited, &m.ReplaceID, &media, &data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.RoomJID = room
		m.Timestamp = time.UnixMilli(ts)
		m.History = hist
		m.Edited = edited
		if media.Valid {
			m.Media = &model.Media{}
			if err := json.Unmarshal([]byte(media.String), m.Media); err != nil {
				return nil, fmt.Errorf("failed to decode media of %s: %w", m.ID, err)
			}
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
				return nil, fmt.Errorf("failed to decode data of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveMessages implements MessageStore. Messages with an existing id replace
// the stored row; the room is then trimmed to the newest window messages.
func (s *SQLite) SaveMessages(room string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO Message
			(room, id, from_jid, nick, body, ts, type, history, edited, replace_id, media, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		media, err := nullJSON(m.Media != nil, m.Media)
		if err != nil {
			return err
		}
		data, err := nullJSON(len(m.Data) > 0, m.Data)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(room, m.ID, m.From, m.Nick, m.Body, m.Timestamp.UnixMilli(), m.Type,
			m.History, m.Edited, m.ReplaceID, media, data); err != nil {
			return fmt.Errorf("failed to save message %s: %w", m.ID, err)
		}
	}

	if _, err := tx.Exec(`
		DELETE FROM Message WHERE room = ? AND id NOT IN (
			SELECT id FROM Message WHERE room = ? ORDER BY ts DESC, id DESC LIMIT ?
		)
	`, room, room, s.window); err != nil {
		return fmt.Errorf("failed to trim room %s: %w", room, err)
	}

	return tx.Commit()
}

func nullJSON(present bool, v any) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
