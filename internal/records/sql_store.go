package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sqlRecordsTableName  = "contact_records"
	sqlOperationTimeout  = 5 * time.Second
	sqlRecordColumnsList = "storage_id, external_id, customer_id, name, fields, created_time, updated_time, uri, revision, created_at, updated_at"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect isolates the differences between the SQL backends.
type sqlDialect struct {
	name        string
	driverName  string
	placeholder func(n int) string
	// fieldExpr renders a text expression for one fields entry; the entry
	// name is passed as a bound argument produced by fieldArg.
	fieldExpr   func(argPlaceholder string) string
	fieldArg    func(field string) string
	fieldsValue func(argPlaceholder string) string
	timeValue   func(t *time.Time) any
	lockSuffix  string
	schema      func(table string) []string
	configureDB func(db *sql.DB)
}

// sqlStore implements Store on database/sql. The table carries a
// UNIQUE(external_id, customer_id) constraint so concurrent upserts of one
// key converge on a single row.
type sqlStore struct {
	dsn          string
	tableName    string
	dialect      sqlDialect
	searchFields []string
	openDB       sqlOpenFunc
	now          func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect, opts StoreOptions) *sqlStore {
	return &sqlStore{
		dsn:          dsn,
		tableName:    sqlRecordsTableName,
		dialect:      dialect,
		searchFields: normalizeSearchFields(opts.SearchFields),
		openDB:       sql.Open,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// newSQLStoreWithDB wraps an already opened handle; the schema is assumed to exist.
func newSQLStoreWithDB(db *sql.DB, dialect sqlDialect, opts StoreOptions) *sqlStore {
	s := newSQLStore("", dialect, opts)
	s.db = db
	s.initOnce.Do(func() {})
	return s
}

func (s *sqlStore) Backend() string {
	return s.dialect.name
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.configureDB != nil {
			s.dialect.configureDB(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range s.dialect.schema(s.tableName) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("prepare %s schema: %w", s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlStore) FindOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}
	return s.selectByKey(ctx, s.db, key, "")
}

func (s *sqlStore) Upsert(ctx context.Context, key NaturalKey, patch RecordPatch, opts UpsertOptions) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContactRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	existing, err := s.selectByKey(ctx, tx, key, s.dialect.lockSuffix)
	switch {
	case errors.Is(err, ErrNotFound):
		if opts.MustExist {
			return ContactRecord{}, ErrNotFound
		}
		rec := ApplyPatch(nil, key, patch, opts, now)
		rec.StorageID = uuid.NewString()
		if err := s.insert(ctx, tx, rec); err != nil {
			return ContactRecord{}, err
		}
	case err != nil:
		return ContactRecord{}, err
	default:
		rec := ApplyPatch(&existing, key, patch, opts, now)
		if err := s.update(ctx, tx, rec); err != nil {
			return ContactRecord{}, err
		}
	}

	stored, err := s.selectByKey(ctx, tx, key, "")
	if err != nil {
		return ContactRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ContactRecord{}, err
	}
	committed = true
	return stored, nil
}

func (s *sqlStore) DeleteOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ContactRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ContactRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := s.selectByKey(ctx, tx, key, s.dialect.lockSuffix)
	if err != nil {
		return ContactRecord{}, err
	}
	var args argList
	query := fmt.Sprintf("DELETE FROM %s WHERE external_id = %s AND customer_id = %s",
		quoteIdentifier(s.tableName), args.add(s.dialect, key.ExternalID), args.add(s.dialect, key.CustomerID))
	if _, err := tx.ExecContext(ctx, query, args.values...); err != nil {
		return ContactRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return ContactRecord{}, err
	}
	committed = true
	return existing, nil
}

func (s *sqlStore) List(ctx context.Context, q ListQuery) (ListPage, error) {
	q, err := validateQuery(q)
	if err != nil {
		return ListPage{}, err
	}
	if err := s.ensureReady(); err != nil {
		return ListPage{}, err
	}

	var args argList
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE customer_id = %s",
		sqlRecordColumnsList, quoteIdentifier(s.tableName), args.add(s.dialect, q.CustomerID))
	if q.Filter != "" {
		pattern := "%" + escapeLike(strings.ToLower(q.Filter)) + "%"
		clauses := []string{
			fmt.Sprintf("LOWER(external_id) LIKE %s ESCAPE '\\'", args.add(s.dialect, pattern)),
			fmt.Sprintf("LOWER(name) LIKE %s ESCAPE '\\'", args.add(s.dialect, pattern)),
		}
		for _, field := range s.searchFields {
			expr := s.dialect.fieldExpr(args.add(s.dialect, s.dialect.fieldArg(field)))
			clauses = append(clauses, fmt.Sprintf("LOWER(%s) LIKE %s ESCAPE '\\'", expr, args.add(s.dialect, pattern)))
		}
		fmt.Fprintf(&b, " AND (%s)", strings.Join(clauses, " OR "))
	}
	fmt.Fprintf(&b, " ORDER BY seq ASC LIMIT %s OFFSET %s",
		args.add(s.dialect, q.PageSize+1), args.add(s.dialect, int(q.Cursor)))

	rows, err := s.db.QueryContext(ctx, b.String(), args.values...)
	if err != nil {
		return ListPage{}, err
	}
	defer rows.Close()

	out := make([]ContactRecord, 0, q.PageSize+1)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ListPage{}, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return ListPage{}, err
	}
	return pageFromProbe(out, q), nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) selectByKey(ctx context.Context, db sqlQueryer, key NaturalKey, suffix string) (ContactRecord, error) {
	var args argList
	query := fmt.Sprintf("SELECT %s FROM %s WHERE external_id = %s AND customer_id = %s%s",
		sqlRecordColumnsList, quoteIdentifier(s.tableName),
		args.add(s.dialect, key.ExternalID), args.add(s.dialect, key.CustomerID), suffix)
	rec, err := scanRecord(db.QueryRowContext(ctx, query, args.values...))
	if errors.Is(err, sql.ErrNoRows) {
		return ContactRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *sqlStore) insert(ctx context.Context, tx *sql.Tx, rec ContactRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	var args argList
	values := []string{
		args.add(s.dialect, rec.StorageID),
		args.add(s.dialect, rec.ExternalID),
		args.add(s.dialect, rec.CustomerID),
		args.add(s.dialect, rec.DisplayName),
		s.dialect.fieldsValue(args.add(s.dialect, string(fields))),
		args.add(s.dialect, s.dialect.timeValue(rec.CreatedTime)),
		args.add(s.dialect, s.dialect.timeValue(rec.UpdatedTime)),
		args.add(s.dialect, nullableString(rec.URI)),
		args.add(s.dialect, rec.Revision),
		args.add(s.dialect, s.dialect.timeValue(&rec.CreatedAt)),
		args.add(s.dialect, s.dialect.timeValue(&rec.UpdatedAt)),
	}
	table := quoteIdentifier(s.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (external_id, customer_id)
		DO UPDATE SET name = EXCLUDED.name, fields = EXCLUDED.fields,
			created_time = EXCLUDED.created_time, updated_time = EXCLUDED.updated_time,
			uri = EXCLUDED.uri, revision = %s.revision + 1, updated_at = EXCLUDED.updated_at`,
		table, sqlRecordColumnsList, strings.Join(values, ", "), table)
	_, err = tx.ExecContext(ctx, query, args.values...)
	return err
}

func (s *sqlStore) update(ctx context.Context, tx *sql.Tx, rec ContactRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	var args argList
	query := fmt.Sprintf(`
		UPDATE %s SET name = %s, fields = %s, created_time = %s, updated_time = %s,
			uri = %s, revision = %s, updated_at = %s
		WHERE external_id = %s AND customer_id = %s`,
		quoteIdentifier(s.tableName),
		args.add(s.dialect, rec.DisplayName),
		s.dialect.fieldsValue(args.add(s.dialect, string(fields))),
		args.add(s.dialect, s.dialect.timeValue(rec.CreatedTime)),
		args.add(s.dialect, s.dialect.timeValue(rec.UpdatedTime)),
		args.add(s.dialect, nullableString(rec.URI)),
		args.add(s.dialect, rec.Revision),
		args.add(s.dialect, s.dialect.timeValue(&rec.UpdatedAt)),
		args.add(s.dialect, rec.ExternalID),
		args.add(s.dialect, rec.CustomerID),
	)
	_, err = tx.ExecContext(ctx, query, args.values...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ContactRecord, error) {
	var (
		rec         ContactRecord
		fields      []byte
		createdTime nullTime
		updatedTime nullTime
		uri         sql.NullString
		createdAt   nullTime
		updatedAt   nullTime
	)
	if err := row.Scan(
		&rec.StorageID, &rec.ExternalID, &rec.CustomerID, &rec.DisplayName, &fields,
		&createdTime, &updatedTime, &uri, &rec.Revision, &createdAt, &updatedAt,
	); err != nil {
		return ContactRecord{}, err
	}
	rec.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return ContactRecord{}, fmt.Errorf("decode fields for %s: %w", rec.Key(), err)
		}
	}
	rec.CreatedTime = createdTime.ptr()
	rec.UpdatedTime = updatedTime.ptr()
	if uri.Valid {
		v := uri.String
		rec.URI = &v
	}
	if createdAt.Valid {
		rec.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		rec.UpdatedAt = updatedAt.Time
	}
	return rec, nil
}

// nullTime scans timestamps stored natively or as RFC 3339 text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch typed := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = typed.UTC(), true
		return nil
	case string:
		return n.parse(typed)
	case []byte:
		return n.parse(string(typed))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (n *nullTime) parse(s string) error {
	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	if ts == nil {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	n.Time, n.Valid = *ts, true
	return nil
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

type argList struct {
	values []any
}

func (a *argList) add(d sqlDialect, v any) string {
	a.values = append(a.values, v)
	return d.placeholder(len(a.values))
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func dollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func questionPlaceholder(int) string {
	return "?"
}
