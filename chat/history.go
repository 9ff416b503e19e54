package chat

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// History is the conversation log, oldest turn first.
type History interface {
	Append(t Turn) error
	Turns() ([]Turn, error)
	Clear() error
	Close() error
}

type MemoryHistory struct {
	mu    sync.Mutex
	turns []Turn
}

func NewMemoryHistory() *MemoryHistory { return &MemoryHistory{} }

func (h *MemoryHistory) Append(t Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	return nil
}

func (h *MemoryHistory) Turns() ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.turns...), nil
}

func (h *MemoryHistory) Clear() error {
	h.mu.Lock()
	h.turns = nil
	h.mu.Unlock()
	return nil
}

func (h *MemoryHistory) Close() error { return nil }

const HistoryFileName = "chat.sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL,
	createdAt INTEGER NOT NULL
)`

// SQLiteHistory keeps the conversation in a SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLite opens or creates the history database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteHistory, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat history: %w", err)
	}
	// One connection, so ":memory:" is a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat history schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Append(t Turn) error {
	_, err := h.db.Exec(`INSERT INTO turns (role, content, createdAt) VALUES (?, ?, ?)`,
		t.Role, t.Content, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Turns() ([]Turn, error) {
	rows, err := h.db.Query(`SELECT role, content, createdAt FROM turns ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = time.UnixMilli(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (h *SQLiteHistory) Clear() error {
	if _, err := h.db.Exec(`DELETE FROM turns`); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
