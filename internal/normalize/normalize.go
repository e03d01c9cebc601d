// Package normalize turns loosely shaped JSON objects into validated events
// at the ingest boundary.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventcorrelator/internal/model"
)

var (
	ErrMissingEventType = errors.New("eventType is required")
	ErrMissingEventID   = errors.New("eventID is required")
)

// Validate checks the fields the matcher and window manager depend on.
func Validate(ev model.Event) error {
	if strings.TrimSpace(ev.EventID) == "" {
		return ErrMissingEventID
	}
	return ValidateEventType(ev.EventType)
}

// ValidateEventType requires dot separated, non-empty segments without
// whitespace or wildcards.
func ValidateEventType(t string) error {
	if t == "" {
		return ErrMissingEventType
	}
	for i, seg := range strings.Split(t, ".") {
		if seg == "" {
			return fmt.Errorf("eventType %q has an empty segment at position %d", t, i)
		}
		if strings.ContainsAny(seg, " \t\r\n*") {
			return fmt.Errorf("eventType %q contains whitespace or '*'", t)
		}
	}
	return nil
}

var fieldAliases = map[string][]string{
	"eventID":   {"eventid", "event_id", "id"},
	"eventType": {"eventtype", "event_type", "type"},
	"source":    {"source", "src"},
	"eventTime": {"eventtime", "event_time", "time", "timestamp", "ts"},
	"data":      {"data", "payload"},
}

// FromMap builds an event from a decoded JSON object. Keys are matched
// case-insensitively with a few common aliases. A missing eventID is
// generated and a missing eventTime defaults to now.
func FromMap(obj map[string]any, now time.Time) (model.Event, error) {
	lower := make(map[string]any, len(obj))
	for k, v := range obj {
		lower[strings.ToLower(k)] = v
	}
	ev := model.Event{
		EventID:            stringField(lower, fieldAliases["eventID"]...),
		EventType:          strings.TrimSpace(stringField(lower, fieldAliases["eventType"]...)),
		Source:             stringField(lower, fieldAliases["source"]...),
		CloudEventsVersion: stringField(lower, "cloudeventsversion"),
		EventTypeVersion:   stringField(lower, "eventtypeversion"),
		ContentType:        stringField(lower, "contenttype"),
		SchemaURL:          stringField(lower, "schemaurl"),
	}
	if err := ValidateEventType(ev.EventType); err != nil {
		return model.Event{}, err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	ev.EventTime = now.UTC()
	if raw, ok := first(lower, fieldAliases["eventTime"]...); ok && raw != nil {
		ts, err := parseTime(raw)
		if err != nil {
			return model.Event{}, fmt.Errorf("eventTime: %w", err)
		}
		ev.EventTime = ts.UTC()
	}

	if raw, ok := first(lower, fieldAliases["data"]...); ok && raw != nil {
		data, ok := raw.(map[string]any)
		if !ok {
			return model.Event{}, fmt.Errorf("data must be a JSON object, got %T", raw)
		}
		ev.Data = data
	}

	if raw, ok := lower["extensions"].(map[string]any); ok {
		ev.Extensions = make(map[string]string, len(raw))
		for k, v := range raw {
			ev.Extensions[k] = fmt.Sprint(v)
		}
	}
	return ev, nil
}

func first(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]any, keys ...string) string {
	v, ok := first(obj, keys...)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		return ParseTimestamp(v, time.UTC)
	case float64:
		return ParseTimestamp(strconv.FormatInt(int64(v), 10), time.UTC)
	case int64:
		return ParseTimestamp(strconv.FormatInt(v, 10), time.UTC)
	case int:
		return ParseTimestamp(strconv.Itoa(v), time.UTC)
	case time.Time:
		return v, nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"01/02/2006 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp accepts the layouts above or unix seconds/milliseconds.
// Layouts without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
