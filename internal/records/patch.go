package records

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CloneFields deep-copies a fields map, including nested maps and slices.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// SetPath assigns value at a dotted path inside fields, creating or
// overwriting intermediate maps as needed.
func SetPath(fields map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := fields
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
}

// ApplyPatch computes the next stored state of a record. existing is nil on
// insert. The natural key always comes from key, never from the patch.
func ApplyPatch(existing *ContactRecord, key NaturalKey, patch RecordPatch, opts UpsertOptions, now time.Time) ContactRecord {
	var rec ContactRecord
	if existing != nil {
		rec = existing.Clone()
	} else {
		rec = ContactRecord{Fields: map[string]any{}, CreatedAt: now}
	}
	rec.ExternalID = key.ExternalID
	rec.CustomerID = key.CustomerID
	rec.UpdatedAt = now
	rec.Revision++

	if opts.Replace {
		rec.DisplayName = ""
		if patch.DisplayName != nil {
			rec.DisplayName = *patch.DisplayName
		}
		rec.Fields = CloneFields(patch.Fields)
		rec.CreatedTime = copyTime(patch.CreatedTime)
		rec.UpdatedTime = copyTime(patch.UpdatedTime)
		rec.URI = copyString(patch.URI)
		return rec
	}

	if patch.DisplayName != nil {
		rec.DisplayName = *patch.DisplayName
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	for path, value := range patch.Fields {
		SetPath(rec.Fields, path, cloneValue(value))
	}
	if patch.CreatedTime != nil {
		rec.CreatedTime = copyTime(patch.CreatedTime)
	}
	if patch.UpdatedTime != nil {
		rec.UpdatedTime = copyTime(patch.UpdatedTime)
	}
	if patch.URI != nil {
		rec.URI = copyString(patch.URI)
	}
	return rec
}

// DecodeRaw converts a provider record (as delivered by the integration
// platform or a webhook) into its external id and a patch. Unknown top-level
// keys are dropped.
func DecodeRaw(raw map[string]any) (string, RecordPatch, error) {
	var patch RecordPatch
	externalID := StringifyID(raw["id"])

	if v, ok := raw["name"]; ok && v != nil {
		name, ok := v.(string)
		if !ok {
			name = fmt.Sprint(v)
		}
		patch.DisplayName = &name
	}
	if v, ok := raw["fields"]; ok && v != nil {
		fields, ok := v.(map[string]any)
		if !ok {
			return externalID, patch, &ValidationError{Field: "fields", Message: "must be an object"}
		}
		patch.Fields = CloneFields(fields)
	}
	if v, ok := raw["uri"]; ok && v != nil {
		uri, ok := v.(string)
		if !ok {
			return externalID, patch, &ValidationError{Field: "uri", Message: "must be a string"}
		}
		patch.URI = &uri
	}

	var err error
	if patch.CreatedTime, err = timestampField(raw, "createdTime", "created_at"); err != nil {
		return externalID, patch, err
	}
	if patch.UpdatedTime, err = timestampField(raw, "updatedTime", "updated_at"); err != nil {
		return externalID, patch, err
	}
	return externalID, patch, nil
}

func timestampField(raw map[string]any, name, legacy string) (*time.Time, error) {
	v, ok := raw[name]
	if !ok || v == nil {
		v, ok = raw[legacy]
	}
	if !ok || v == nil {
		return nil, nil
	}
	ts, err := ParseTimestamp(v)
	if err != nil {
		return nil, &ValidationError{Field: name, Message: err.Error()}
	}
	return ts, nil
}

// ParseTimestamp accepts RFC 3339 strings, a few common variants, and unix
// epoch numbers in seconds or milliseconds.
func ParseTimestamp(v any) (*time.Time, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := typed.UTC()
		return &t, nil
	case string:
		s := strings.TrimSpace(typed)
		if s == "" {
			return nil, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	case float64:
		return epochTimestamp(typed), nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return nil, err
		}
		return epochTimestamp(f), nil
	case int64:
		return epochTimestamp(float64(typed)), nil
	case int:
		return epochTimestamp(float64(typed)), nil
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func epochTimestamp(f float64) *time.Time {
	var t time.Time
	if math.Abs(f) >= 1e12 {
		t = time.UnixMilli(int64(f)).UTC()
	} else {
		t = time.Unix(int64(f), 0).UTC()
	}
	return &t
}

// StringifyID renders string or numeric ids in their canonical string form.
func StringifyID(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func matchesFilter(rec ContactRecord, filter string, searchFields []string) bool {
	if filter == "" {
		return true
	}
	needle := strings.ToLower(filter)
	if strings.Contains(strings.ToLower(rec.ExternalID), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(rec.DisplayName), needle) {
		return true
	}
	for _, field := range searchFields {
		v, ok := rec.Fields[field]
		if !ok || v == nil {
			continue
		}
		var s string
		switch typed := v.(type) {
		case string:
			s = typed
		default:
			data, err := json.Marshal(typed)
			if err != nil {
				continue
			}
			s = string(data)
		}
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
