package contactsync

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycrm/internal/integration"
	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

const DefaultImportConcurrency = 8

var DefaultImportActions = []string{"get-contacts"}

var ErrNoConnection = errors.New("no connection found")

type Options struct {
	Store    records.Store
	Gateway  integration.Gateway
	Notifier Notifier
	Feed     *ChangeFeed
	Logger   *slog.Logger
	// ImportConcurrency bounds concurrent upserts within one page.
	ImportConcurrency int
	ImportActions     []string
	Now               func() time.Time
}

// Service runs imports, reconciles webhooks and applies inline edits against
// one record store.
type Service struct {
	store       records.Store
	gateway     integration.Gateway
	notifier    Notifier
	feed        *ChangeFeed
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	mu            sync.RWMutex
	importActions []string
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("contactsync: store is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	concurrency := opts.ImportConcurrency
	if concurrency <= 0 {
		concurrency = DefaultImportConcurrency
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{
		store:       opts.Store,
		gateway:     opts.Gateway,
		notifier:    notifier,
		feed:        opts.Feed,
		logger:      logger.Or(opts.Logger),
		concurrency: concurrency,
		now:         now,
	}
	s.SetImportActions(opts.ImportActions)
	return s, nil
}

func (s *Service) Store() records.Store {
	return s.store
}

func (s *Service) Feed() *ChangeFeed {
	return s.feed
}

// SetImportActions replaces the action keys run by ImportAll when the caller
// names none. Nil or empty restores the defaults.
func (s *Service) SetImportActions(keys []string) {
	cleaned := make([]string, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			cleaned = append(cleaned, key)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultImportActions...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importActions = cleaned
}

func (s *Service) ImportActions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.importActions...)
}

func (s *Service) publish(changeType ChangeType, rec records.ContactRecord) {
	if s.feed == nil {
		return
	}
	event := ChangeEvent{Type: changeType, CustomerID: rec.CustomerID, ExternalID: rec.ExternalID}
	if changeType != ChangeDeleted {
		copied := rec.Clone()
		event.Record = &copied
	}
	s.feed.Publish(event)
}
