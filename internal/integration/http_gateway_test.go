package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*HTTPGateway, *TokenMinter) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	minter, err := NewTokenMinter("ws_test", "secret", time.Hour)
	if err != nil {
		t.Fatalf("new token minter: %v", err)
	}
	gateway, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: server.URL + "/", Minter: minter, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway, minter
}

func TestHTTPGatewayRunActionFirstPage(t *testing.T) {
	var minter *TokenMinter
	gateway, minter := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/connections/conn_1/actions/get-contacts/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := minter.Parse(token)
		if err != nil {
			t.Errorf("expected valid customer token: %v", err)
		} else if claims.ID != "u1" || claims.Issuer != "ws_test" {
			t.Errorf("unexpected claims: %+v", claims)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"input":null}` {
			t.Errorf("expected null input on first page, got %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":{"records":[{"id":1,"name":"Acme"}],"cursor":"next_1"}}`))
	})

	page, err := gateway.RunAction(context.Background(), "u1", "conn_1", "get-contacts", "")
	if err != nil {
		t.Fatalf("run action failed: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0]["name"] != "Acme" {
		t.Fatalf("unexpected records: %+v", page.Records)
	}
	if page.NextCursor != "next_1" {
		t.Fatalf("expected next cursor next_1, got %q", page.NextCursor)
	}
}

func TestHTTPGatewayRunActionForwardsCursor(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input struct {
				Cursor string `json:"cursor"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Input.Cursor != "next_1" {
			t.Errorf("expected cursor next_1, got %q", body.Input.Cursor)
		}
		_, _ = w.Write([]byte(`{"output":{"records":[],"cursor":null}}`))
	})

	page, err := gateway.RunAction(context.Background(), "u1", "conn_1", "get-contacts", "next_1")
	if err != nil {
		t.Fatalf("run action failed: %v", err)
	}
	if !page.NextCursor.IsZero() {
		t.Fatalf("expected exhausted cursor, got %q", page.NextCursor)
	}
	if page.Records == nil {
		t.Fatalf("expected empty, non-nil records")
	}
}

func TestHTTPGatewayDoesNotRetryFailures(t *testing.T) {
	var calls int32
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable","message":"try later"}`))
	})

	_, err := gateway.RunAction(context.Background(), "u1", "conn_1", "get-contacts", "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusServiceUnavailable || upstream.Code != "unavailable" {
		t.Fatalf("unexpected upstream error: %#v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPGatewayListConnections(t *testing.T) {
	gateway, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/connections" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"conn_1","name":"HubSpot","integration":{"key":"hubspot"}}]}`))
	})

	conns, err := gateway.ListConnections(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list connections failed: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != "conn_1" || conns[0].IntegrationKey != "hubspot" {
		t.Fatalf("unexpected connections: %+v", conns)
	}
}

func TestTokenMinterRejectsForeignIssuer(t *testing.T) {
	a, err := NewTokenMinter("ws_a", "secret", time.Hour)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	b, err := NewTokenMinter("ws_b", "secret", time.Hour)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	token, err := a.Mint("u1", "Ada")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if _, err := b.Parse(token); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
	if _, err := a.Mint(" ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty customer, got %v", err)
	}
}

func TestTokenMinterExpiresTokens(t *testing.T) {
	minter, err := NewTokenMinter("ws", "secret", time.Minute)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	issued := time.Now()
	minter.now = func() time.Time { return issued }
	token, err := minter.Mint("u1", "")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	minter.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := minter.Parse(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
