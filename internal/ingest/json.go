package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventcorrelator/internal/model"
	"eventcorrelator/internal/normalize"
)

var ErrEmptyBody = errors.New("empty body")

// DecodeObjects accepts a single JSON object or an array of objects.
func DecodeObjects(body []byte) ([]map[string]any, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return nil, ErrEmptyBody
	}
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return list, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []map[string]any{obj}, nil
}

// DecodeEvents normalizes every object in body. errs is indexed like the
// decoded objects and holds nil for each event that normalized cleanly.
func DecodeEvents(body []byte, now time.Time) ([]model.Event, []error, error) {
	objs, err := DecodeObjects(body)
	if err != nil {
		return nil, nil, err
	}
	events := make([]model.Event, len(objs))
	errs := make([]error, len(objs))
	for i, obj := range objs {
		events[i], errs[i] = normalize.FromMap(obj, now)
	}
	return events, errs, nil
}

// DecodeLine parses one NDJSON line. Blank lines return ok=false.
func DecodeLine(line []byte, now time.Time) (model.Event, bool, error) {
	trim := bytes.TrimSpace(line)
	if len(trim) == 0 {
		return model.Event{}, false, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return model.Event{}, false, err
	}
	ev, err := normalize.FromMap(obj, now)
	if err != nil {
		return model.Event{}, false, err
	}
	return ev, true, nil
}
