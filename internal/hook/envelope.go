package hook

import (
	"time"

	"github.com/google/uuid"

	"eventcorrelator/internal/model"
)

const (
	CloudEventsVersion = "0.1"
	EnvelopeEventType  = "RCAObject"
	EnvelopeSource     = "EventCorrelator"
	ContentType        = "application/json"
	// TimeFormat is the textual eventTime layout, MM/DD/YYYY HH:MM:SS.
	TimeFormat = "01/02/2006 15:04:05"

	ErrRuleTypeNotFound = "Rule type could not be found"
)

// Envelope is the body posted to a rule's hook endpoint.
type Envelope struct {
	CloudEventsVersion string                 `json:"cloudEventsVersion"`
	EventType          string                 `json:"eventType"`
	Source             string                 `json:"source"`
	EventID            string                 `json:"eventID"`
	EventTime          string                 `json:"eventTime"`
	ContentType        string                 `json:"contentType"`
	Data               model.EvaluationResult `json:"data"`
}

// NewEnvelope wraps result with a fresh event id stamped at now.
func NewEnvelope(result model.EvaluationResult, now time.Time) Envelope {
	return Envelope{
		CloudEventsVersion: CloudEventsVersion,
		EventType:          EnvelopeEventType,
		Source:             EnvelopeSource,
		EventID:            uuid.NewString(),
		EventTime:          now.Format(TimeFormat),
		ContentType:        ContentType,
		Data:               result,
	}
}

// UnknownRuleEnvelope is returned for rule types that resolve to nothing.
func UnknownRuleEnvelope(now time.Time) Envelope {
	return NewEnvelope(model.EvaluationResult{Error: ErrRuleTypeNotFound}, now)
}
