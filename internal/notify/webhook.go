package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier posts events as JSON to a push provider endpoint,
// authenticated with a bearer key when one is configured.
type WebhookNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Log      *slog.Logger
}

func NewWebhookNotifier(endpoint, key string, log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Log:      log,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		w.Log.Error("notify marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		w.Log.Error("notify request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Warn("notify delivery failed", "kind", ev.Kind, "user_id", ev.UserID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.Log.Warn("notify rejected", "kind", ev.Kind, "status", resp.StatusCode)
	}
}
