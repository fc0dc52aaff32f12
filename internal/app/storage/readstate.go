package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hickar/mailfetch/internal/pkg/kvstore"
)

// MemoryReadState keeps read marks in process memory. Marks are lost on
// restart, so messages are handled again after redeploy.
type MemoryReadState struct {
	store *kvstore.KVStore[string, time.Time]
	now   func() time.Time
}

func NewMemoryReadState() *MemoryReadState {
	return &MemoryReadState{
		store: kvstore.New[string, time.Time](),
		now:   time.Now,
	}
}

func (s *MemoryReadState) IsRead(_ context.Context, account, uid string) (bool, error) {
	_, ok := s.store.Get(readKey(account, uid))
	return ok, nil
}

func (s *MemoryReadState) MarkRead(_ context.Context, account string, uids ...string) error {
	now := s.now()
	for _, uid := range uids {
		s.store.SetIfAbsent(readKey(account, uid), now)
	}
	return nil
}

// Len returns number of remembered messages over all accounts.
func (s *MemoryReadState) Len() int {
	return s.store.Len()
}

func readKey(account, uid string) string {
	return account + "\x00" + uid
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS read_messages (
	account TEXT NOT NULL,
	uid     TEXT NOT NULL,
	read_at DATETIME NOT NULL,
	PRIMARY KEY (account, uid)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteReadState persists read marks in SQLite database.
type SQLiteReadState struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteReadState opens (or creates) database at dbPath and applies
// pending migrations. ":memory:" gives a private in-memory database.
func NewSQLiteReadState(dbPath string) (*SQLiteReadState, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Every connection of in-memory database would see its own empty schema.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteReadState{db: db, now: time.Now}
	if err = s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteReadState) Close() error {
	return s.db.Close()
}

func (s *SQLiteReadState) runMigrations() error {
	var tableCount int
	err := s.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion := 0
	if tableCount > 0 {
		if err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err = s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (s *SQLiteReadState) IsRead(ctx context.Context, account, uid string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM read_messages WHERE account = ? AND uid = ?", account, uid)
	if err != nil {
		return false, fmt.Errorf("query read state: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteReadState) MarkRead(ctx context.Context, account string, uids ...string) error {
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, "INSERT OR IGNORE INTO read_messages (account, uid, read_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, uid := range uids {
		if _, err = stmt.ExecContext(ctx, account, uid, now); err != nil {
			return fmt.Errorf("mark %s read: %w", uid, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
