package contactsync

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/agentworkforce/relaycrm/internal/records"
)

// comparisonView is the part of a record that a webhook can change. Storage
// bookkeeping and updatedTime are left out so a replayed notification
// compares equal to what is stored.
type comparisonView struct {
	ExternalID  string         `json:"id"`
	CustomerID  string         `json:"customerId"`
	Name        string         `json:"name"`
	Fields      map[string]any `json:"fields"`
	CreatedTime *string        `json:"createdTime"`
	URI         *string        `json:"uri"`
}

func viewOf(rec records.ContactRecord) comparisonView {
	view := comparisonView{
		ExternalID: rec.ExternalID,
		CustomerID: rec.CustomerID,
		Name:       rec.DisplayName,
		Fields:     rec.Fields,
		URI:        rec.URI,
	}
	if view.Fields == nil {
		view.Fields = map[string]any{}
	}
	// Millisecond precision: the mongodb backend stores no finer.
	if rec.CreatedTime != nil {
		s := rec.CreatedTime.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
		view.CreatedTime = &s
	}
	return view
}

func canonical(rec records.ContactRecord) ([]byte, error) {
	raw, err := json.Marshal(viewOf(rec))
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// sameContent reports whether a and b canonicalize to identical bytes.
func sameContent(a, b records.ContactRecord) (bool, error) {
	left, err := canonical(a)
	if err != nil {
		return false, err
	}
	right, err := canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(left, right), nil
}
