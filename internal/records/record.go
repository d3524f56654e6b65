package records

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// DefaultSearchFields are the fields entries matched by the list filter in
// addition to the external id and display name.
var DefaultSearchFields = []string{"domain", "industry"}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ContactRecord is the stored form of a contact. ExternalID and CustomerID
// together form the natural key.
type ContactRecord struct {
	StorageID   string         `json:"storageId"`
	ExternalID  string         `json:"id"`
	CustomerID  string         `json:"customerId"`
	DisplayName string         `json:"name"`
	Fields      map[string]any `json:"fields"`
	CreatedTime *time.Time     `json:"createdTime,omitempty"`
	UpdatedTime *time.Time     `json:"updatedTime,omitempty"`
	URI         *string        `json:"uri,omitempty"`
	Revision    int64          `json:"revision"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (r ContactRecord) Key() NaturalKey {
	return NaturalKey{ExternalID: r.ExternalID, CustomerID: r.CustomerID}
}

// Clone returns a copy that shares no mutable state with r.
func (r ContactRecord) Clone() ContactRecord {
	out := r
	out.Fields = CloneFields(r.Fields)
	if r.CreatedTime != nil {
		t := *r.CreatedTime
		out.CreatedTime = &t
	}
	if r.UpdatedTime != nil {
		t := *r.UpdatedTime
		out.UpdatedTime = &t
	}
	if r.URI != nil {
		u := *r.URI
		out.URI = &u
	}
	return out
}

type NaturalKey struct {
	ExternalID string
	CustomerID string
}

func (k NaturalKey) Normalize() NaturalKey {
	return NaturalKey{
		ExternalID: strings.TrimSpace(k.ExternalID),
		CustomerID: strings.TrimSpace(k.CustomerID),
	}
}

func (k NaturalKey) Validate() error {
	if strings.TrimSpace(k.CustomerID) == "" {
		return &ValidationError{Field: "customerId", Message: "is required"}
	}
	if strings.TrimSpace(k.ExternalID) == "" {
		return &ValidationError{Field: "externalId", Message: "is required"}
	}
	return nil
}

func (k NaturalKey) String() string {
	return k.CustomerID + "/" + k.ExternalID
}

// RecordPatch carries the writable top-level attributes of a record. Nil
// pointers mean "not supplied".
type RecordPatch struct {
	DisplayName *string
	Fields      map[string]any
	CreatedTime *time.Time
	UpdatedTime *time.Time
	URI         *string
}

type UpsertOptions struct {
	// Replace swaps the stored document for the patch instead of merging it.
	Replace bool
	// MustExist turns the write into an update: a missing key fails with
	// ErrNotFound and nothing is inserted.
	MustExist bool
}

// ListCursor is the offset issued by List. It is unrelated to the opaque
// cursors handed out by the integration platform.
type ListCursor int

func (c ListCursor) String() string {
	return strconv.Itoa(int(c))
}

func ParseListCursor(raw string) (ListCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ValidationError{Field: "cursor", Message: fmt.Sprintf("invalid cursor %q", raw)}
	}
	return ListCursor(n), nil
}

type ListQuery struct {
	CustomerID string
	Filter     string
	Cursor     ListCursor
	PageSize   int
}

type ListPage struct {
	Records    []ContactRecord
	NextCursor *ListCursor
}

// Store persists contact records in one logical collection.
type Store interface {
	FindOne(ctx context.Context, key NaturalKey) (ContactRecord, error)
	Upsert(ctx context.Context, key NaturalKey, patch RecordPatch, opts UpsertOptions) (ContactRecord, error)
	DeleteOne(ctx context.Context, key NaturalKey) (ContactRecord, error)
	List(ctx context.Context, q ListQuery) (ListPage, error)
	// Ping connects to the backend and prepares its schema.
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

func normalizePageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

func normalizeSearchFields(fields []string) []string {
	if fields == nil {
		fields = DefaultSearchFields
	}
	out := make([]string, 0, len(fields))
	seen := map[string]struct{}{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func validateQuery(q ListQuery) (ListQuery, error) {
	q.CustomerID = strings.TrimSpace(q.CustomerID)
	if q.CustomerID == "" {
		return q, &ValidationError{Field: "customerId", Message: "is required"}
	}
	if q.Cursor < 0 {
		return q, &ValidationError{Field: "cursor", Message: "must not be negative"}
	}
	q.Filter = strings.TrimSpace(q.Filter)
	q.PageSize = normalizePageSize(q.PageSize)
	return q, nil
}

// pageFromProbe trims a pageSize+1 probe to one page and computes the next cursor.
func pageFromProbe(rows []ContactRecord, q ListQuery) ListPage {
	if len(rows) <= q.PageSize {
		if rows == nil {
			rows = []ContactRecord{}
		}
		return ListPage{Records: rows}
	}
	next := q.Cursor + ListCursor(q.PageSize)
	return ListPage{Records: rows[:q.PageSize], NextCursor: &next}
}
