package records

import (
	"fmt"
	"strings"
	"sync"
)

// StoreOptions are shared by every backend built from a DSN.
type StoreOptions struct {
	// SearchFields lists the fields entries matched by the list filter.
	// Nil selects DefaultSearchFields.
	SearchFields []string
}

type StoreFactory func(dsn string, opts StoreOptions) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory installs a factory for scheme, taking precedence over
// the built-in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN selects a backend by DSN scheme. An empty DSN yields an
// in-memory store; a bare path is treated as a JSON snapshot file.
func BuildStoreFromDSN(dsn string, opts StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStoreWithOptions(MemoryStoreOptions{SearchFields: opts.SearchFields}), nil
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(scheme, dsn)
		if err != nil {
			return nil, err
		}
		return NewMemoryStoreWithOptions(MemoryStoreOptions{
			Snapshot:     NewJSONFileSnapshot(path),
			SearchFields: opts.SearchFields,
		}), nil
	case "memory", "mem", "inmem":
		return NewMemoryStoreWithOptions(MemoryStoreOptions{SearchFields: opts.SearchFields}), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(scheme, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "mongodb", "mongodb+srv":
		return NewMongoStore(dsn, opts)
	case "mysql":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, ":")
	if idx <= 0 {
		return ""
	}
	scheme := dsn[:idx]
	if strings.ContainsAny(scheme, `/\. `) || len(scheme) == 1 {
		// a relative path or a drive letter, not a scheme
		return ""
	}
	return normalizeBackendScheme(scheme)
}

// dsnPath strips the scheme prefix from file-like DSNs. "sqlite:///data/x.db"
// yields "/data/x.db" and "sqlite://:memory:" yields ":memory:".
func dsnPath(scheme, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	path := raw
	if scheme != "" {
		rest := raw[len(scheme):]
		rest = strings.TrimPrefix(rest, ":")
		rest = strings.TrimPrefix(rest, "//")
		path = rest
	}
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", &ValidationError{Field: "dsn", Message: fmt.Sprintf("missing path in %q", raw)}
	}
	return path, nil
}
