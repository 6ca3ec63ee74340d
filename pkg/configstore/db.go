package configstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/psaab/netcfgd/pkg/config"
)

// DB persists accepted configurations across restarts.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the history database at path.
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS config_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	applied_at TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	tree_yaml TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize config history schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Insert stores an entry and sets its ID.
func (d *DB) Insert(e *HistoryEntry) error {
	data, err := e.Config.Format()
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}
	res, err := d.db.Exec(`INSERT INTO config_history (applied_at, comment, tree_yaml) VALUES (?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Comment, string(data))
	if err != nil {
		return fmt.Errorf("insert config history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("config history id: %w", err)
	}
	e.ID = id
	return nil
}

// Recent returns up to limit entries, oldest first.
func (d *DB) Recent(limit int) ([]*HistoryEntry, error) {
	rows, err := d.db.Query(`
SELECT id, applied_at, comment, tree_yaml FROM (
	SELECT id, applied_at, comment, tree_yaml FROM config_history ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("list config history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var (
			e         HistoryEntry
			appliedAt string
			treeYAML  string
		)
		if err := rows.Scan(&e.ID, &appliedAt, &e.Comment, &treeYAML); err != nil {
			return nil, fmt.Errorf("scan config history row: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
			return nil, fmt.Errorf("parse config history %d time: %w", e.ID, err)
		}
		if e.Config, err = config.Parse([]byte(treeYAML)); err != nil {
			return nil, fmt.Errorf("parse config history %d: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config history rows: %w", err)
	}
	return out, nil
}

// Prune keeps only the newest keep entries.
func (d *DB) Prune(keep int) error {
	_, err := d.db.Exec(`DELETE FROM config_history WHERE id NOT IN (
	SELECT id FROM config_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune config history: %w", err)
	}
	return nil
}
