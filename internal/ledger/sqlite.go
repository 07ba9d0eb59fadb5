package ledger

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS trade_ledger (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	failure    TEXT NOT NULL,
	entry      TEXT NOT NULL
)`

// SQLiteStore keeps each entry as an immutable JSON row. Rows are only ever
// inserted; ordering follows the insertion sequence.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dsn, err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry domain.LedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: encode entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trade_ledger (id, created_at, symbol, status, failure, entry) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"), entry.Symbol, entry.Status.String(), string(entry.Failure), string(raw))
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM trade_ledger ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		var e domain.LedgerEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("ledger: decode: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
