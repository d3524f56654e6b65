package contactsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaycrm/internal/integration"
	"github.com/agentworkforce/relaycrm/internal/records"
)

type fakeGateway struct {
	mu          sync.Mutex
	pages       map[string]map[integration.PageCursor]integration.ActionPage
	failures    map[string]map[integration.PageCursor]error
	connections []integration.Connection
	calls       []integration.PageCursor
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		pages:    map[string]map[integration.PageCursor]integration.ActionPage{},
		failures: map[string]map[integration.PageCursor]error{},
	}
}

func (g *fakeGateway) addPage(actionKey string, cursor, next integration.PageCursor, recs []integration.RawRecord) {
	if g.pages[actionKey] == nil {
		g.pages[actionKey] = map[integration.PageCursor]integration.ActionPage{}
	}
	g.pages[actionKey][cursor] = integration.ActionPage{Records: recs, NextCursor: next}
}

func (g *fakeGateway) failAt(actionKey string, cursor integration.PageCursor, err error) {
	if g.failures[actionKey] == nil {
		g.failures[actionKey] = map[integration.PageCursor]error{}
	}
	g.failures[actionKey][cursor] = err
}

func (g *fakeGateway) RunAction(ctx context.Context, customerID, connectionID, actionKey string, cursor integration.PageCursor) (integration.ActionPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, cursor)
	if err := g.failures[actionKey][cursor]; err != nil {
		return integration.ActionPage{}, err
	}
	page, ok := g.pages[actionKey][cursor]
	if !ok {
		return integration.ActionPage{}, &integration.UpstreamError{StatusCode: 404, Message: "unknown action " + actionKey}
	}
	return page, nil
}

func (g *fakeGateway) ListConnections(ctx context.Context, customerID string) ([]integration.Connection, error) {
	return g.connections, nil
}

func rawContacts(prefix string, n int) []integration.RawRecord {
	out := make([]integration.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, integration.RawRecord{
			"id":     fmt.Sprintf("%s-%02d", prefix, i),
			"name":   fmt.Sprintf("Contact %s %d", prefix, i),
			"fields": map[string]any{"email": fmt.Sprintf("%s%d@example.test", prefix, i)},
		})
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []records.ContactRecord
}

func (n *recordingNotifier) NotifyUpdated(ctx context.Context, rec records.ContactRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, rec)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testEnv struct {
	service  *Service
	store    *records.MemoryStore
	gateway  *fakeGateway
	notifier *recordingNotifier
	feed     *ChangeFeed
	clock    *time.Time
}

// storeHooks wraps a store so tests can inject failures or interleave writes.
type storeHooks struct {
	records.Store
	beforeUpsert func(ctx context.Context, key records.NaturalKey) error
}

func (s *storeHooks) Upsert(ctx context.Context, key records.NaturalKey, patch records.RecordPatch, opts records.UpsertOptions) (records.ContactRecord, error) {
	if s.beforeUpsert != nil {
		if err := s.beforeUpsert(ctx, key); err != nil {
			return records.ContactRecord{}, err
		}
	}
	return s.Store.Upsert(ctx, key, patch, opts)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

// newTestEnvWithStore builds the service over wrap(memory store) when wrap is
// set. env.store stays the unwrapped memory store.
func newTestEnvWithStore(t *testing.T, wrap func(records.Store) records.Store) *testEnv {
	t.Helper()
	clock := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:    records.NewMemoryStore(),
		gateway:  newFakeGateway(),
		notifier: &recordingNotifier{},
		feed:     NewChangeFeed(8),
		clock:    &clock,
	}
	var store records.Store = env.store
	if wrap != nil {
		store = wrap(env.store)
	}
	service, err := NewService(Options{
		Store:             store,
		Gateway:           env.gateway,
		Notifier:          env.notifier,
		Feed:              env.feed,
		ImportConcurrency: 4,
		Now:               func() time.Time { return *env.clock },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.service = service
	return env
}

func (e *testEnv) count(t *testing.T, customerID string) int {
	t.Helper()
	total := 0
	var cursor records.ListCursor
	for {
		page, err := e.store.List(context.Background(), records.ListQuery{CustomerID: customerID, Cursor: cursor})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		total += len(page.Records)
		if page.NextCursor == nil {
			return total
		}
		cursor = *page.NextCursor
	}
}
