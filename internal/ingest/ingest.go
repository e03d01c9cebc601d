package ingest

import (
	"context"
	"log/slog"
	"time"

	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
)

// SendNonBlocking hands ev to the engine channel, dropping it when the
// channel is full. Drops are counted when counters is non-nil.
func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, counters *metrics.Store, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if counters != nil {
			counters.Inc(metrics.EventsDropped)
		}
		if logger != nil {
			logger.Warn("event channel full, dropping event", "event_id", ev.EventID, "event_type", ev.EventType)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
