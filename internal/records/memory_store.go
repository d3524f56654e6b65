package records

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type storedRecord struct {
	Seq    uint64        `json:"seq"`
	Record ContactRecord `json:"record"`
}

type persistedRecords struct {
	Seq     uint64         `json:"seq"`
	Records []storedRecord `json:"records"`
}

// SnapshotBackend persists the full contents of a MemoryStore.
type SnapshotBackend interface {
	Load() (*persistedRecords, error)
	Save(state *persistedRecords) error
}

type JSONFileSnapshot struct {
	Path string
}

func NewJSONFileSnapshot(path string) *JSONFileSnapshot {
	return &JSONFileSnapshot{Path: strings.TrimSpace(path)}
}

func (b *JSONFileSnapshot) Load() (*persistedRecords, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedRecords
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileSnapshot) Save(state *persistedRecords) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type MemoryStoreOptions struct {
	Snapshot     SnapshotBackend
	SearchFields []string
	Now          func() time.Time
}

// MemoryStore keeps records in process memory, optionally mirrored to a
// snapshot after every write.
type MemoryStore struct {
	mu           sync.RWMutex
	seq          uint64
	records      map[NaturalKey]*storedRecord
	snapshot     SnapshotBackend
	searchFields []string
	now          func() time.Time

	loadOnce sync.Once
	loadErr  error
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryStoreOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) *MemoryStore {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		records:      map[NaturalKey]*storedRecord{},
		snapshot:     opts.Snapshot,
		searchFields: normalizeSearchFields(opts.SearchFields),
		now:          now,
	}
}

func (s *MemoryStore) Backend() string {
	if _, ok := s.snapshot.(*JSONFileSnapshot); ok {
		return "file"
	}
	return "memory"
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.ensureLoaded()
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) FindOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureLoaded(); err != nil {
		return ContactRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.records[key]
	if !ok {
		return ContactRecord{}, ErrNotFound
	}
	return stored.Record.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, key NaturalKey, patch RecordPatch, opts UpsertOptions) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureLoaded(); err != nil {
		return ContactRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seq := s.seq
	var next *storedRecord
	if stored, ok := s.records[key]; ok {
		next = &storedRecord{Seq: stored.Seq, Record: ApplyPatch(&stored.Record, key, patch, opts, now)}
	} else {
		if opts.MustExist {
			return ContactRecord{}, ErrNotFound
		}
		seq++
		rec := ApplyPatch(nil, key, patch, opts, now)
		rec.StorageID = uuid.NewString()
		next = &storedRecord{Seq: seq, Record: rec}
	}
	if err := s.commitLocked(key, next, seq); err != nil {
		return ContactRecord{}, err
	}
	return next.Record.Clone(), nil
}

func (s *MemoryStore) DeleteOne(ctx context.Context, key NaturalKey) (ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return ContactRecord{}, err
	}
	if err := s.ensureLoaded(); err != nil {
		return ContactRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[key]
	if !ok {
		return ContactRecord{}, ErrNotFound
	}
	if err := s.commitLocked(key, nil, s.seq); err != nil {
		return ContactRecord{}, err
	}
	return stored.Record, nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) (ListPage, error) {
	q, err := validateQuery(q)
	if err != nil {
		return ListPage{}, err
	}
	if err := s.ensureLoaded(); err != nil {
		return ListPage{}, err
	}
	s.mu.RLock()
	matched := make([]*storedRecord, 0)
	for key, stored := range s.records {
		if key.CustomerID != q.CustomerID {
			continue
		}
		if !matchesFilter(stored.Record, q.Filter, s.searchFields) {
			continue
		}
		matched = append(matched, stored)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	rows := make([]ContactRecord, 0, q.PageSize+1)
	for i := int(q.Cursor); i < len(matched) && len(rows) < q.PageSize+1; i++ {
		rows = append(rows, matched[i].Record.Clone())
	}
	s.mu.RUnlock()
	return pageFromProbe(rows, q), nil
}

func (s *MemoryStore) ensureLoaded() error {
	s.loadOnce.Do(func() {
		if s.snapshot == nil {
			return
		}
		snapshot, err := s.snapshot.Load()
		if err != nil {
			s.loadErr = err
			return
		}
		if snapshot == nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.seq = snapshot.Seq
		for i := range snapshot.Records {
			stored := snapshot.Records[i]
			if stored.Record.Fields == nil {
				stored.Record.Fields = map[string]any{}
			}
			s.records[stored.Record.Key()] = &stored
			if stored.Seq > s.seq {
				s.seq = stored.Seq
			}
		}
	})
	return s.loadErr
}

// commitLocked persists the state with key set to next (removed when next is
// nil) and only then applies it to memory, so a failed save changes nothing.
func (s *MemoryStore) commitLocked(key NaturalKey, next *storedRecord, seq uint64) error {
	if s.snapshot != nil {
		state := persistedRecords{Seq: seq, Records: make([]storedRecord, 0, len(s.records)+1)}
		for k, stored := range s.records {
			if k == key {
				continue
			}
			state.Records = append(state.Records, *stored)
		}
		if next != nil {
			state.Records = append(state.Records, *next)
		}
		sort.Slice(state.Records, func(i, j int) bool { return state.Records[i].Seq < state.Records[j].Seq })
		if err := s.snapshot.Save(&state); err != nil {
			return err
		}
	}
	s.seq = seq
	if next == nil {
		delete(s.records, key)
	} else {
		s.records[key] = next
	}
	return nil
}
