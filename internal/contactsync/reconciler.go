package contactsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

type ReconcileStatus string

const (
	StatusCreated   ReconcileStatus = "created"
	StatusUpdated   ReconcileStatus = "updated"
	StatusUnchanged ReconcileStatus = "unchanged"
	StatusDeleted   ReconcileStatus = "deleted"
	StatusNotFound  ReconcileStatus = "not_found"
)

// WebhookEvent is a single-record change notification from the platform.
type WebhookEvent struct {
	CustomerID string
	ExternalID string
	Deleted    bool
	Data       map[string]any
}

type ReconcileResult struct {
	Status     ReconcileStatus
	CustomerID string
	ExternalID string
	StorageID  string
	Record     *records.ContactRecord
}

// Reconcile applies one webhook notification. Re-delivering the same payload
// yields StatusUnchanged without a write or a downstream notification.
//
// The compare and the write are separate store calls, so two concurrent
// notifications for one key resolve as last writer wins.
func (s *Service) Reconcile(ctx context.Context, event WebhookEvent) (ReconcileResult, error) {
	key := records.NaturalKey{ExternalID: event.ExternalID, CustomerID: event.CustomerID}.Normalize()
	if err := key.Validate(); err != nil {
		return ReconcileResult{}, err
	}
	result := ReconcileResult{CustomerID: key.CustomerID, ExternalID: key.ExternalID}
	log := logger.FromContextOr(ctx, s.logger).With("customerId", key.CustomerID, "externalId", key.ExternalID)

	if event.Deleted {
		deleted, err := s.store.DeleteOne(ctx, key)
		switch {
		case errors.Is(err, records.ErrNotFound):
			result.Status = StatusNotFound
		case err != nil:
			return ReconcileResult{}, err
		default:
			result.Status = StatusDeleted
			result.StorageID = deleted.StorageID
			s.publish(ChangeDeleted, deleted)
		}
		log.Info("webhook reconciled", "status", result.Status)
		return result, nil
	}

	_, patch, err := records.DecodeRaw(event.Data)
	if err != nil {
		return ReconcileResult{}, err
	}

	existing, err := s.store.FindOne(ctx, key)
	found := true
	if errors.Is(err, records.ErrNotFound) {
		found = false
	} else if err != nil {
		return ReconcileResult{}, err
	}

	now := s.now()
	if found {
		candidate := records.ApplyPatch(&existing, key, patch, records.UpsertOptions{Replace: true}, now)
		same, err := sameContent(existing, candidate)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("compare stored record: %w", err)
		}
		if same {
			result.Status = StatusUnchanged
			result.StorageID = existing.StorageID
			stored := existing
			result.Record = &stored
			log.Info("webhook reconciled", "status", result.Status)
			return result, nil
		}
	}

	patch.UpdatedTime = &now
	rec, err := s.store.Upsert(ctx, key, patch, records.UpsertOptions{Replace: true})
	if err != nil {
		return ReconcileResult{}, err
	}
	result.StorageID = rec.StorageID
	result.Record = &rec
	if found {
		result.Status = StatusUpdated
		s.publish(ChangeUpdated, rec)
	} else {
		result.Status = StatusCreated
		s.publish(ChangeCreated, rec)
	}
	log.Info("webhook reconciled", "status", result.Status)
	s.notifier.NotifyUpdated(ctx, rec)
	return result, nil
}

// RecordEdit is an inline edit from the UI. Fields keys may be dotted paths.
type RecordEdit struct {
	DisplayName *string
	Fields      map[string]any
}

// UpdateRecord merges edit into an existing record. The natural key is never
// taken from the edit, so the stored customerId cannot change. A record that
// is missing, or deleted while the edit is in flight, yields ErrNotFound.
func (s *Service) UpdateRecord(ctx context.Context, key records.NaturalKey, edit RecordEdit) (records.ContactRecord, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return records.ContactRecord{}, err
	}
	fields := make(map[string]any, len(edit.Fields))
	for path, value := range edit.Fields {
		path = strings.TrimSpace(path)
		if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
			return records.ContactRecord{}, &records.ValidationError{Field: "fields", Message: fmt.Sprintf("invalid field path %q", path)}
		}
		fields[path] = value
	}
	rec, err := s.store.Upsert(ctx, key, records.RecordPatch{DisplayName: edit.DisplayName, Fields: fields}, records.UpsertOptions{MustExist: true})
	if err != nil {
		return records.ContactRecord{}, err
	}
	logger.FromContextOr(ctx, s.logger).Info("record edited", "customerId", key.CustomerID, "externalId", key.ExternalID, "revision", rec.Revision)
	s.publish(ChangeUpdated, rec)
	s.notifier.NotifyUpdated(ctx, rec)
	return rec, nil
}
