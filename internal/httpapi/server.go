package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaycrm/internal/contactsync"
	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

const (
	correlationHeader  = "X-Correlation-Id"
	backendPingTimeout = 3 * time.Second
)

type ServerConfig struct {
	JWTSecret           string
	AllowHeaderIdentity bool
	AllowQueryIdentity  bool
	WebhookSecret       string
	WebhookMaxSkew      time.Duration
	RateLimitPerMinute  int
	RateLimitBurst      int
	MaxBodyBytes        int64
	PageSize            int

	// StreamSkipOriginCheck accepts websocket upgrades from any origin.
	StreamSkipOriginCheck bool
}

type Server struct {
	service   *contactsync.Service
	cfg       ServerConfig
	logger    *slog.Logger
	validator *payloadValidator
	limiter   *customerLimiter
	now       func() time.Time

	replayMu   sync.Mutex
	replaySeen map[string]time.Time
}

func NewServer(service *contactsync.Service, cfg ServerConfig, log *slog.Logger) (*Server, error) {
	if service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = records.DefaultPageSize
	}
	validator, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		service:    service,
		cfg:        cfg,
		logger:     logger.Or(log),
		validator:  validator,
		limiter:    newCustomerLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		now:        func() time.Time { return time.Now().UTC() },
		replaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "req_" + uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)
	reqLog := s.logger.With("correlationId", correlationID, "method", r.Method, "path", r.URL.Path)
	r = r.WithContext(logger.WithContext(r.Context(), reqLog))

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/admin/backend" && r.Method == http.MethodGet:
		s.handleAdminBackend(w, r)
		return
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, correlationID)
		return
	case r.URL.Path == "/webhooks" && r.Method == http.MethodPost:
		s.handleLegacyWebhooks(w, r, correlationID)
		return
	case r.URL.Path == "/import-all" && r.Method == http.MethodPost:
		s.handleImportAll(w, r, correlationID)
		return
	}

	var route, externalID string
	switch {
	case r.URL.Path == "/records" && r.Method == http.MethodGet:
		route = "list"
	case r.URL.Path == "/records/stream" && r.Method == http.MethodGet:
		route = "stream"
	case strings.HasPrefix(r.URL.Path, "/records/") && r.Method == http.MethodPatch:
		raw := strings.TrimPrefix(r.URL.EscapedPath(), "/records/")
		decoded, err := url.PathUnescape(raw)
		if err != nil || strings.TrimSpace(decoded) == "" || strings.Contains(raw, "/") {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		route = "patch"
		externalID = decoded
	case r.URL.Path == "/import" && r.Method == http.MethodGet:
		route = "import"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	now := s.now()
	id, authErr := s.resolveIdentity(r, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.limiter != nil {
		if ok, wait := s.limiter.reserve(id.CustomerID, now); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	r = r.WithContext(logger.WithContext(r.Context(), reqLog.With("customerId", id.CustomerID)))

	switch route {
	case "list":
		s.handleList(w, r, id, correlationID)
	case "stream":
		s.handleStream(w, r, id, correlationID)
	case "patch":
		s.handlePatch(w, r, id, externalID, correlationID)
	case "import":
		s.handleImport(w, r, id, correlationID)
	}
}

// listResponse carries the next offset as a decimal string.
type listResponse struct {
	Records []records.ContactRecord `json:"records"`
	Cursor  *string                 `json:"cursor,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, id identity, correlationID string) {
	query := r.URL.Query()
	if requested := strings.TrimSpace(query.Get("customerId")); requested != "" && requested != id.CustomerID {
		writeError(w, http.StatusForbidden, "forbidden", "customerId does not match the authenticated customer", correlationID)
		return
	}
	cursor, err := records.ParseListCursor(query.Get("cursor"))
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	filter := query.Get("filter")
	if filter == "" {
		filter = query.Get("search")
	}
	page, err := s.service.Store().List(r.Context(), records.ListQuery{
		CustomerID: id.CustomerID,
		Filter:     filter,
		Cursor:     cursor,
		PageSize:   parseBoundedInt(query.Get("limit"), s.cfg.PageSize, 1, records.MaxPageSize),
	})
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	resp := listResponse{Records: page.Records}
	if page.NextCursor != nil {
		next := page.NextCursor.String()
		resp.Cursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

type patchRequest struct {
	CustomerID string         `json:"customerId"`
	Name       *string        `json:"name"`
	Fields     map[string]any `json:"fields"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, id identity, externalID, correlationID string) {
	var req patchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if body := strings.TrimSpace(req.CustomerID); body != "" && body != id.CustomerID {
		writeError(w, http.StatusForbidden, "forbidden", "customerId does not match the authenticated customer", correlationID)
		return
	}
	rec, err := s.service.UpdateRecord(r.Context(),
		records.NaturalKey{ExternalID: externalID, CustomerID: id.CustomerID},
		contactsync.RecordEdit{DisplayName: req.Name, Fields: req.Fields},
	)
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type importResponse struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, id identity, correlationID string) {
	count, err := s.service.ImportFirstConnection(r.Context(), id.CustomerID, r.URL.Query().Get("actionKey"))
	switch {
	case errors.Is(err, contactsync.ErrNoConnection):
		writeJSON(w, http.StatusNotFound, importResponse{Error: err.Error()})
	case err != nil:
		logger.FromContextOr(r.Context(), s.logger).Error("import failed", "count", count, "error", err)
		writeJSON(w, http.StatusInternalServerError, importResponse{Count: count, Error: "Failed to import"})
	default:
		writeJSON(w, http.StatusOK, importResponse{Success: true, Count: count})
	}
}

type importAllRequest struct {
	CustomerID   string   `json:"customerId"`
	ConnectionID string   `json:"connectionId"`
	ActionKeys   []string `json:"actionKeys"`
	EventType    string   `json:"eventType"`
	Data         struct {
		Connection struct {
			ID          string `json:"id"`
			UserID      string `json:"userId"`
			Integration struct {
				Key string `json:"key"`
			} `json:"integration"`
		} `json:"connection"`
	} `json:"data"`
}

type importAllResponse struct {
	Success        bool                       `json:"success"`
	ConnectionID   string                     `json:"connectionId"`
	IntegrationKey string                     `json:"integrationKey,omitempty"`
	Results        []contactsync.ActionResult `json:"results"`
}

func (s *Server) handleImportAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readWebhookBody(w, r, correlationID)
	if !ok {
		return
	}
	var req importAllRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	customerID := strings.TrimSpace(req.CustomerID)
	connectionID := strings.TrimSpace(req.ConnectionID)
	var integrationKey string
	if req.EventType != "" {
		if req.EventType != "connection.created" {
			writeError(w, http.StatusBadRequest, "bad_request", "unsupported eventType: "+req.EventType, correlationID)
			return
		}
		conn := req.Data.Connection
		customerID = strings.TrimSpace(conn.UserID)
		connectionID = strings.TrimSpace(conn.ID)
		integrationKey = conn.Integration.Key
	}
	if customerID == "" || connectionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "customerId and connectionId are required", correlationID)
		return
	}

	results := s.service.ImportAll(r.Context(), customerID, connectionID, req.ActionKeys)
	success := true
	for _, result := range results {
		if result.Error != "" {
			success = false
		}
	}
	writeJSON(w, http.StatusOK, importAllResponse{
		Success:        success,
		ConnectionID:   connectionID,
		IntegrationKey: integrationKey,
		Results:        results,
	})
}

type webhookResponse struct {
	Success    bool                        `json:"success"`
	ExternalID string                      `json:"externalId"`
	StorageID  string                      `json:"storageId,omitempty"`
	CustomerID string                      `json:"customerId"`
	Status     contactsync.ReconcileStatus `json:"status"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	payload, ok := s.readWebhookPayload(w, r, correlationID, s.validator.webhook)
	if !ok {
		return
	}
	event := contactsync.WebhookEvent{
		CustomerID: firstString(payload, "customerId", "userId"),
		ExternalID: firstID(payload, "externalId", "externalContactId"),
		Deleted:    boolField(payload, "deleted") || boolField(payload, "externalContactDeleted"),
		Data:       objectField(payload, "data"),
	}
	s.reconcile(w, r, event, correlationID)
}

// handleLegacyWebhooks accepts {customerId, data:{id, ...}} where the external
// id travels inside the record.
func (s *Server) handleLegacyWebhooks(w http.ResponseWriter, r *http.Request, correlationID string) {
	payload, ok := s.readWebhookPayload(w, r, correlationID, s.validator.webhooks)
	if !ok {
		return
	}
	data := objectField(payload, "data")
	event := contactsync.WebhookEvent{
		CustomerID: firstString(payload, "customerId"),
		ExternalID: records.StringifyID(data["id"]),
		Deleted:    boolField(payload, "deleted"),
		Data:       data,
	}
	s.reconcile(w, r, event, correlationID)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request, event contactsync.WebhookEvent, correlationID string) {
	result, err := s.service.Reconcile(r.Context(), event)
	if err != nil {
		s.writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		Success:    true,
		ExternalID: result.ExternalID,
		StorageID:  result.StorageID,
		CustomerID: result.CustomerID,
		Status:     result.Status,
	})
}

type backendResponse struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleAdminBackend(w http.ResponseWriter, r *http.Request) {
	store := s.service.Store()
	ctx, cancel := context.WithTimeout(r.Context(), backendPingTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.FromContextOr(r.Context(), s.logger).Warn("backend ping failed", "backend", store.Backend(), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, backendResponse{Backend: store.Backend(), Status: "unavailable", Error: "backend unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, backendResponse{Backend: store.Backend(), Status: "ok"})
}

// writeServiceError maps domain errors onto the error envelope. Anything
// unrecognised is logged and reported as an opaque 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	var validation *records.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "bad_request", validation.Error(), correlationID)
	case errors.Is(err, records.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
	default:
		logger.FromContextOr(r.Context(), s.logger).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) readWebhookBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if authErr := s.authorizeWebhook(r, body, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) readWebhookPayload(w http.ResponseWriter, r *http.Request, correlationID string, schema *jsonschema.Schema) (map[string]any, bool) {
	body, ok := s.readWebhookBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if err := s.validator.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	return payload, true
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstID(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if id := records.StringifyID(payload[key]); id != "" {
			return id
		}
	}
	return ""
}

func boolField(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func objectField(payload map[string]any, key string) map[string]any {
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
