package contactsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaycrm/internal/integration"
	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

type ActionResult struct {
	ActionKey string `json:"actionKey"`
	Count     int    `json:"count"`
	Error     string `json:"error,omitempty"`
}

// ImportAction drains every page of actionKey and upserts each record for
// customerID. The returned count covers records written before any failure;
// writes are never rolled back.
func (s *Service) ImportAction(ctx context.Context, customerID, connectionID, actionKey string) (int, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, &records.ValidationError{Field: "customerId", Message: "is required"}
	}
	if s.gateway == nil {
		return 0, errors.New("contactsync: integration gateway is not configured")
	}
	log := logger.FromContextOr(ctx, s.logger).With("customerId", customerID, "connectionId", connectionID, "actionKey", actionKey)

	total := 0
	var cursor integration.PageCursor
	for pageNum := 1; ; pageNum++ {
		page, err := s.gateway.RunAction(ctx, customerID, connectionID, actionKey, cursor)
		if err != nil {
			return total, fmt.Errorf("run %s page %d: %w", actionKey, pageNum, err)
		}
		written, err := s.upsertPage(ctx, customerID, page.Records)
		total += written
		if err != nil {
			return total, fmt.Errorf("store %s page %d: %w", actionKey, pageNum, err)
		}
		log.Debug("imported page", "page", pageNum, "records", len(page.Records), "written", written)
		if page.NextCursor.IsZero() {
			break
		}
		if page.NextCursor == cursor {
			return total, fmt.Errorf("run %s page %d: %w: cursor did not advance", actionKey, pageNum, integration.ErrUpstream)
		}
		cursor = page.NextCursor
	}
	log.Info("import finished", "count", total)
	return total, nil
}

func (s *Service) upsertPage(ctx context.Context, customerID string, page []integration.RawRecord) (int, error) {
	var written int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, raw := range page {
		externalID, patch, err := records.DecodeRaw(raw)
		if err != nil || externalID == "" {
			logger.FromContextOr(ctx, s.logger).Warn("skipping unkeyable record",
				"customerId", customerID, "externalId", externalID, "error", err)
			continue
		}
		g.Go(func() error {
			key := records.NaturalKey{ExternalID: externalID, CustomerID: customerID}
			if _, err := s.store.Upsert(gctx, key, patch, records.UpsertOptions{Replace: true}); err != nil {
				return fmt.Errorf("upsert %s: %w", key, err)
			}
			atomic.AddInt64(&written, 1)
			return nil
		})
	}
	err := g.Wait()
	return int(atomic.LoadInt64(&written)), err
}

// ImportAll runs each action in order. A failing action is recorded in its
// result and does not stop the rest.
func (s *Service) ImportAll(ctx context.Context, customerID, connectionID string, actionKeys []string) []ActionResult {
	if len(actionKeys) == 0 {
		actionKeys = s.ImportActions()
	}
	log := logger.FromContextOr(ctx, s.logger)
	results := make([]ActionResult, 0, len(actionKeys))
	for _, key := range actionKeys {
		count, err := s.ImportAction(ctx, customerID, connectionID, key)
		result := ActionResult{ActionKey: key, Count: count}
		if err != nil {
			log.Error("import action failed", "customerId", customerID, "actionKey", key, "count", count, "error", err)
			result.Error = "Failed to import"
		}
		results = append(results, result)
	}
	return results
}

// ImportFirstConnection runs actionKey against the customer's first
// connection, as the UI's import button does.
func (s *Service) ImportFirstConnection(ctx context.Context, customerID, actionKey string) (int, error) {
	if s.gateway == nil {
		return 0, errors.New("contactsync: integration gateway is not configured")
	}
	actionKey = strings.TrimSpace(actionKey)
	if actionKey == "" {
		actionKey = s.ImportActions()[0]
	}
	conns, err := s.gateway.ListConnections(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}
	if len(conns) == 0 {
		return 0, ErrNoConnection
	}
	return s.ImportAction(ctx, customerID, conns[0].ID, actionKey)
}
