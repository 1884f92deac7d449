package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/finagent-ai/finagent/history"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists sessions as rows in two tables, sessions and
// session_turns, reconstructing a MessageHistory by replaying stored
// turns through newHistory().AddTurn in sequence order. Grounded on the
// teacher's SQLSessionService: same three-dialect schema approach (one
// CREATE TABLE per dialect, ? vs $N placeholders chosen by dialect),
// same driver set (lib/pq, go-sql-driver/mysql, mattn/go-sqlite3).
//
// Because AddTurn assigns its own timestamp, a turn's Timestamp field
// is not round-tripped exactly; its Query/Answer/Summary/sequence are.
type SQLStore struct {
	db         *sql.DB
	dialect    string // "postgres", "mysql", or "sqlite"
	newHistory HistoryFactory
}

const (
	createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    updated_at TIMESTAMP NOT NULL
);
`
	createTurnsTableSQLite = `
CREATE TABLE IF NOT EXISTS session_turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    query TEXT NOT NULL,
    answer TEXT NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`
	createTurnsTablePostgres = `
CREATE TABLE IF NOT EXISTS session_turns (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    query TEXT NOT NULL,
    answer TEXT NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`
	createTurnsTableMySQL = `
CREATE TABLE IF NOT EXISTS session_turns (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    query TEXT NOT NULL,
    answer TEXT NOT NULL,
    summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`
)

// NewSQLStore opens driverName/dsn, runs schema migration, and returns a
// ready SQLStore. dialect must be "postgres", "mysql", or "sqlite".
func NewSQLStore(dialect, dsn string, newHistory HistoryFactory) (*SQLStore, error) {
	driverName := dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, &StoreError{Backend: "sql", Operation: "New", Message: fmt.Sprintf("unsupported dialect %q", dialect)}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &StoreError{Backend: "sql", Operation: "New", Message: "open failed", Err: err}
	}
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StoreError{Backend: "sql", Operation: "New", Message: "ping failed", Err: err}
	}

	s := &SQLStore{db: db, dialect: dialect, newHistory: newHistory}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSessionsTableSQL); err != nil {
		return &StoreError{Backend: "sql", Operation: "initSchema", Message: "sessions table", Err: err}
	}
	turnsSQL := createTurnsTableSQLite
	switch s.dialect {
	case "postgres":
		turnsSQL = createTurnsTablePostgres
	case "mysql":
		turnsSQL = createTurnsTableMySQL
	}
	if _, err := s.db.ExecContext(ctx, turnsSQL); err != nil {
		return &StoreError{Backend: "sql", Operation: "initSchema", Message: "session_turns table", Err: err}
	}
	return nil
}

// placeholder returns the i-th (1-based) bind placeholder for the
// store's dialect.
func (s *SQLStore) placeholder(i int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *SQLStore) Get(sessionID string) (*history.MessageHistory, bool, error) {
	ctx := context.Background()

	var exists int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM sessions WHERE id = %s", s.placeholder(1)), sessionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StoreError{Backend: "sql", Operation: "Get", Message: "session lookup failed", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT query, answer, summary FROM session_turns WHERE session_id = %s ORDER BY seq ASC", s.placeholder(1),
	), sessionID)
	if err != nil {
		return nil, false, &StoreError{Backend: "sql", Operation: "Get", Message: "turns query failed", Err: err}
	}
	defer rows.Close()

	h := s.newHistory()
	for rows.Next() {
		var query, answer, summary string
		if err := rows.Scan(&query, &answer, &summary); err != nil {
			return nil, false, &StoreError{Backend: "sql", Operation: "Get", Message: "turn scan failed", Err: err}
		}
		if _, err := h.AddTurn(ctx, query, answer, summary); err != nil {
			return nil, false, &StoreError{Backend: "sql", Operation: "Get", Message: "turn replay failed", Err: err}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, &StoreError{Backend: "sql", Operation: "Get", Message: "turns iteration failed", Err: err}
	}
	return h, true, nil
}

// Set replaces the session's full turn log with h's current contents.
// MessageHistory has no incremental-diff API, so every Set rewrites the
// session's rows inside one transaction.
func (s *SQLStore) Set(sessionID string, h *history.MessageHistory) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Backend: "sql", Operation: "Set", Message: "begin tx failed", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	upsert := fmt.Sprintf("INSERT INTO sessions (id, updated_at) VALUES (%s, %s)", s.placeholder(1), s.placeholder(2))
	if s.dialect == "postgres" {
		upsert += " ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at"
	} else {
		upsert = fmt.Sprintf("REPLACE INTO sessions (id, updated_at) VALUES (%s, %s)", s.placeholder(1), s.placeholder(2))
	}
	if _, err := tx.ExecContext(ctx, upsert, sessionID, now); err != nil {
		return &StoreError{Backend: "sql", Operation: "Set", Message: "session upsert failed", Err: err}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM session_turns WHERE session_id = %s", s.placeholder(1)), sessionID); err != nil {
		return &StoreError{Backend: "sql", Operation: "Set", Message: "clear turns failed", Err: err}
	}

	insert := fmt.Sprintf(
		"INSERT INTO session_turns (session_id, seq, query, answer, summary, created_at) VALUES (%s, %s, %s, %s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6),
	)
	for i, m := range h.Messages() {
		if _, err := tx.ExecContext(ctx, insert, sessionID, i, m.Query, m.Answer, m.Summary, now); err != nil {
			return &StoreError{Backend: "sql", Operation: "Set", Message: "turn insert failed", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Backend: "sql", Operation: "Set", Message: "commit failed", Err: err}
	}
	return nil
}

func (s *SQLStore) Delete(sessionID string) error {
	// Turns are deleted explicitly: sqlite does not enforce the ON DELETE
	// CASCADE unless foreign keys are switched on for the connection.
	if _, err := s.db.ExecContext(context.Background(),
		fmt.Sprintf("DELETE FROM session_turns WHERE session_id = %s", s.placeholder(1)), sessionID,
	); err != nil {
		return &StoreError{Backend: "sql", Operation: "Delete", Message: "delete turns failed", Err: err}
	}
	_, err := s.db.ExecContext(context.Background(),
		fmt.Sprintf("DELETE FROM sessions WHERE id = %s", s.placeholder(1)), sessionID,
	)
	if err != nil {
		return &StoreError{Backend: "sql", Operation: "Delete", Message: "delete failed", Err: err}
	}
	return nil
}

func (s *SQLStore) Exists(sessionID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(context.Background(),
		fmt.Sprintf("SELECT 1 FROM sessions WHERE id = %s", s.placeholder(1)), sessionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Backend: "sql", Operation: "Exists", Message: "lookup failed", Err: err}
	}
	return true, nil
}

// Close closes the underlying *sql.DB.
func (s *SQLStore) Close() error { return s.db.Close() }

// BackendName identifies this store in metrics labels, by dialect.
func (s *SQLStore) BackendName() string { return "sql:" + s.dialect }
