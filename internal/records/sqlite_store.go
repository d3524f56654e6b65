package records

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	driverName:  "sqlite",
	placeholder: questionPlaceholder,
	fieldExpr: func(arg string) string {
		return fmt.Sprintf("COALESCE(CAST(json_extract(fields, %s) AS TEXT), '')", arg)
	},
	fieldArg: func(field string) string {
		return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	},
	fieldsValue: func(arg string) string { return arg },
	timeValue: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	},
	schema: func(table string) []string {
		quoted := quoteIdentifier(table)
		return []string{
			`PRAGMA busy_timeout = 5000`,
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				storage_id TEXT NOT NULL UNIQUE,
				external_id TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				fields TEXT NOT NULL DEFAULT '{}',
				created_time TEXT NULL,
				updated_time TEXT NULL,
				uri TEXT NULL,
				revision INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (external_id, customer_id)
			)`, quoted),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (customer_id, seq)`,
				quoteIdentifier(table+"_customer_seq_idx"), quoted),
		}
	},
	// A single connection serializes writers and keeps :memory: databases alive.
	configureDB: func(db *sql.DB) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	},
}

// SQLiteStore keeps records in a local SQLite database file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens path, which may be ":memory:".
func NewSQLiteStore(path string, opts StoreOptions) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &ValidationError{Field: "dsn", Message: "sqlite path is required"}
	}
	return &SQLiteStore{sqlStore: newSQLStore(path, sqliteDialect, opts)}, nil
}
