package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxUpstreamBody = 32 << 20

type HTTPGatewayOptions struct {
	BaseURL    string
	Minter     *TokenMinter
	HTTPClient *http.Client
	// CustomerName resolves the display name embedded in customer tokens.
	CustomerName func(customerID string) string
}

// HTTPGateway talks to the integration platform's REST API. Requests are
// never retried.
type HTTPGateway struct {
	baseURL      string
	minter       *TokenMinter
	httpClient   *http.Client
	customerName func(string) string
}

func NewHTTPGateway(opts HTTPGatewayOptions) (*HTTPGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: integration base url is required", ErrInvalidInput)
	}
	if opts.Minter == nil {
		return nil, fmt.Errorf("%w: integration token minter is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	customerName := opts.CustomerName
	if customerName == nil {
		customerName = func(id string) string { return id }
	}
	return &HTTPGateway{
		baseURL:      baseURL,
		minter:       opts.Minter,
		httpClient:   httpClient,
		customerName: customerName,
	}, nil
}

type runActionRequest struct {
	Input *runActionInput `json:"input"`
}

type runActionInput struct {
	Cursor string `json:"cursor"`
}

type runActionResponse struct {
	Output struct {
		Records []RawRecord `json:"records"`
		Cursor  *string     `json:"cursor"`
	} `json:"output"`
}

func (g *HTTPGateway) RunAction(ctx context.Context, customerID, connectionID, actionKey string, cursor PageCursor) (ActionPage, error) {
	connectionID = strings.TrimSpace(connectionID)
	actionKey = strings.TrimSpace(actionKey)
	if connectionID == "" || actionKey == "" {
		return ActionPage{}, fmt.Errorf("%w: connection id and action key are required", ErrInvalidInput)
	}
	body := runActionRequest{}
	if !cursor.IsZero() {
		body.Input = &runActionInput{Cursor: string(cursor)}
	}
	var resp runActionResponse
	requestPath := fmt.Sprintf("/connections/%s/actions/%s/run", url.PathEscape(connectionID), url.PathEscape(actionKey))
	if err := g.doJSON(ctx, customerID, http.MethodPost, requestPath, body, &resp); err != nil {
		return ActionPage{}, err
	}
	page := ActionPage{Records: resp.Output.Records}
	if page.Records == nil {
		page.Records = []RawRecord{}
	}
	if resp.Output.Cursor != nil {
		page.NextCursor = PageCursor(strings.TrimSpace(*resp.Output.Cursor))
	}
	return page, nil
}

type listConnectionsResponse struct {
	Items []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Integration struct {
			Key string `json:"key"`
		} `json:"integration"`
	} `json:"items"`
}

func (g *HTTPGateway) ListConnections(ctx context.Context, customerID string) ([]Connection, error) {
	var resp listConnectionsResponse
	if err := g.doJSON(ctx, customerID, http.MethodGet, "/connections", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, Connection{ID: item.ID, Name: item.Name, IntegrationKey: item.Integration.Key})
	}
	return out, nil
}

func (g *HTTPGateway) doJSON(ctx context.Context, customerID, method, requestPath string, body, out any) error {
	token, err := g.minter.Mint(customerID, g.customerName(customerID))
	if err != nil {
		return err
	}
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "crm_"+uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return &UpstreamError{StatusCode: resp.StatusCode, Code: "invalid_response", Message: err.Error()}
		}
		return nil
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: message}
}
