package records

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:        "postgres",
	driverName:  "postgres",
	placeholder: dollarPlaceholder,
	fieldExpr: func(arg string) string {
		return fmt.Sprintf("COALESCE(fields->>(%s::text), '')", arg)
	},
	fieldArg: func(field string) string { return field },
	fieldsValue: func(arg string) string {
		return arg + "::jsonb"
	},
	timeValue: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.UTC()
	},
	lockSuffix: " FOR UPDATE",
	schema: func(table string) []string {
		quoted := quoteIdentifier(table)
		return []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				storage_id TEXT NOT NULL UNIQUE,
				external_id TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				fields JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_time TIMESTAMPTZ NULL,
				updated_time TIMESTAMPTZ NULL,
				uri TEXT NULL,
				revision BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (external_id, customer_id)
			)`, quoted),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (customer_id, seq)`,
				quoteIdentifier(table+"_customer_seq_idx"), quoted),
		}
	},
}

// PostgresStore keeps records in a PostgreSQL table.
type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string, opts StoreOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{sqlStore: newSQLStore(dsn, postgresDialect, opts)}, nil
}
