package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is one ride lifecycle change pushed to a user's device backend.
type Event struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	RideID    string    `json:"ride_id"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

const (
	KindRequestSubmitted = "request_submitted"
	KindRequestDecided   = "request_decided"
	KindRideStatus       = "ride_status"
)

// Notifier delivers events best effort; failures are logged, never
// surfaced to the request path.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier is the default sink when no push endpoint is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, ev Event) {
	l.Log.Info("notify", "kind", ev.Kind, "user_id", ev.UserID, "ride_id", ev.RideID)
}
