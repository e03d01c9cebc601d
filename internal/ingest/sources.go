package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventcorrelator/internal/model"
)

// SourceAdapter converts a monitoring tool's native alert payload into an
// event. The raw payload becomes the event data.
type SourceAdapter func(body []byte, now time.Time) (model.Event, error)

type site247Alert struct {
	MonitorName      string `json:"MONITORNAME"`
	MonitorGroupName string `json:"MONITOR_GROUPNAME"`
	Status           string `json:"STATUS"`
	IncidentTimeISO  string `json:"INCIDENT_TIME_ISO"`
}

type icingaAlert struct {
	ServiceDisplayName string `json:"service_display_name"`
	HostDisplayName    string `json:"host_display_name"`
	ServiceOutput      string `json:"service_output"`
}

type azureAlert struct {
	Data struct {
		Context struct {
			Activity struct {
				ResourceID     string `json:"resourceId"`
				EventTimestamp string `json:"eventTimestamp"`
			} `json:"activityLog"`
		} `json:"context"`
	} `json:"data"`
}

var sourceAdapters = map[string]SourceAdapter{
	"site247": fromSite247,
	"icinga":  fromIcinga,
	"azure":   fromAzure,
}

// Adapter returns the converter registered for source.
func Adapter(source string) (SourceAdapter, bool) {
	a, ok := sourceAdapters[strings.ToLower(source)]
	return a, ok
}

func AdapterNames() []string {
	names := make([]string, 0, len(sourceAdapters))
	for name := range sourceAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fromSite247(body []byte, now time.Time) (model.Event, error) {
	var alert site247Alert
	data, err := decodeAlert(body, &alert)
	if err != nil {
		return model.Event{}, err
	}
	ev := alertEvent("site247", data, now, segment(alert.MonitorGroupName), segment(alert.MonitorName), segment(alert.Status))
	if ts, err := time.Parse("2006-01-02T15:04:05-0700", alert.IncidentTimeISO); err == nil {
		ev.EventTime = ts.UTC()
	}
	return ev, nil
}

func fromIcinga(body []byte, now time.Time) (model.Event, error) {
	var alert icingaAlert
	data, err := decodeAlert(body, &alert)
	if err != nil {
		return model.Event{}, err
	}
	return alertEvent("icinga", data, now, segment(alert.ServiceDisplayName), segment(alert.HostDisplayName), segment(alert.ServiceOutput)), nil
}

func fromAzure(body []byte, now time.Time) (model.Event, error) {
	var alert azureAlert
	data, err := decodeAlert(body, &alert)
	if err != nil {
		return model.Event{}, err
	}
	activity := alert.Data.Context.Activity
	ev := alertEvent("azure", data, now, segment(activity.ResourceID))
	if ts, err := time.Parse(time.RFC3339Nano, activity.EventTimestamp); err == nil {
		ev.EventTime = ts.UTC()
	}
	return ev, nil
}

func decodeAlert(body []byte, typed any) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if err := json.Unmarshal(body, typed); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	return data, nil
}

func alertEvent(source string, data map[string]any, now time.Time, segments ...string) model.Event {
	return model.Event{
		EventID:            uuid.NewString(),
		EventType:          source + "." + strings.Join(segments, "."),
		Source:             source,
		EventTime:          now.UTC(),
		Data:               data,
		CloudEventsVersion: "0.1",
		EventTypeVersion:   "1.0",
		ContentType:        "application/json",
	}
}

// segment makes a free-text alert field usable as one eventType segment.
func segment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
