package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open creates (if needed) and opens the service database under dataDir.
// WAL keeps the control API readable while a cycle appends to the ledger;
// the single connection keeps the append path single-writer.
func Open(dataDir string) (*sql.DB, error) {
	dir := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := filepath.Join(dir, "nsesync.db") + "?" + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
	}, "&")

	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(1)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// timeLayouts covers the forms SQLite hands back depending on how a value
// was written: our own layout, RFC3339 and the bare datetime() form.
var timeLayouts = []string{timeLayout, time.RFC3339, "2006-01-02 15:04:05"}

// SQLiteTime scans timestamp columns. SQLite stores them as TEXT, but the
// driver may surface string, time.Time or a unix int64.
type SQLiteTime struct {
	Time time.Time
}

func (st *SQLiteTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		st.Time = time.Time{}
		return nil
	case time.Time:
		st.Time = v
		return nil
	case int64:
		st.Time = time.Unix(v, 0)
		return nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				st.Time = t
				return nil
			}
		}
		return fmt.Errorf("unparseable time column %q", v)
	default:
		return fmt.Errorf("unsupported time column type %T", src)
	}
}

// FormatTime renders a timestamp the way the schema defaults do, so stored
// and generated values sort consistently.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
