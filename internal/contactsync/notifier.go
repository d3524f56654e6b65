package contactsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

// Notifier forwards confirmed writes to a downstream consumer. Failures are
// the notifier's concern; callers never see them.
type Notifier interface {
	NotifyUpdated(ctx context.Context, rec records.ContactRecord)
}

type downstreamPayload struct {
	Type       string                 `json:"type"`
	Data       records.ContactRecord `json:"data"`
	CustomerID string                 `json:"customerId"`
}

// WebhookNotifier POSTs {type:"updated", data, customerId} to a URL. An empty
// URL disables delivery. The URL may be swapped at runtime.
type WebhookNotifier struct {
	mu         sync.RWMutex
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration, log *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Or(log),
	}
}

func (n *WebhookNotifier) SetURL(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.url = strings.TrimSpace(url)
}

func (n *WebhookNotifier) URL() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.url
}

func (n *WebhookNotifier) NotifyUpdated(ctx context.Context, rec records.ContactRecord) {
	target := n.URL()
	if target == "" {
		return
	}
	log := logger.FromContextOr(ctx, n.logger).With("customerId", rec.CustomerID, "externalId", rec.ExternalID)
	if err := n.post(ctx, target, rec); err != nil {
		log.Warn("downstream notification failed", "error", err)
		return
	}
	log.Debug("downstream notified")
}

func (n *WebhookNotifier) post(ctx context.Context, target string, rec records.ContactRecord) error {
	body, err := json.Marshal(downstreamPayload{Type: "updated", Data: rec, CustomerID: rec.CustomerID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("downstream responded %d", resp.StatusCode)
	}
	return nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyUpdated(context.Context, records.ContactRecord) {}
