package integration

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUpstream     = errors.New("upstream error")
	ErrInvalidInput = errors.New("invalid input")
)

// PageCursor is an opaque pagination token issued by the integration
// platform. The empty cursor means "start" on input and "no more pages" on
// output.
type PageCursor string

func (c PageCursor) IsZero() bool {
	return c == ""
}

// RawRecord is a provider record exactly as the platform returned it.
type RawRecord = map[string]any

type ActionPage struct {
	Records    []RawRecord
	NextCursor PageCursor
}

type Connection struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	IntegrationKey string `json:"integrationKey,omitempty"`
}

// Gateway runs named actions against a customer's connection on the
// integration platform.
type Gateway interface {
	RunAction(ctx context.Context, customerID, connectionID, actionKey string, cursor PageCursor) (ActionPage, error)
	ListConnections(ctx context.Context, customerID string) ([]Connection, error)
}

type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream http %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
