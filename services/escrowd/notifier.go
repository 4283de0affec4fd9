package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"grantvault/storage/escrowdb"
)

// Notifier drains the notification outbox to a webhook endpoint. Delivery is
// best effort and rate limited; rows stay pending until a POST succeeds, so a
// crashed poller never loses an event.
type Notifier struct {
	store   *escrowdb.Store
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewNotifier builds a notifier. An empty URL disables delivery; events still
// accumulate in the outbox for later inspection.
func NewNotifier(store *escrowdb.Store, url string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:   store,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit records an event in the outbox. Failures are logged, never surfaced:
// notification loss must not fail the operation that produced the event.
func (n *Notifier) Emit(ctx context.Context, kind, subjectID string, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("notification payload encode failed", "kind", kind, "err", err)
		return
	}
	if err := n.store.EnqueueNotification(ctx, kind, subjectID, string(encoded), n.now().Unix()); err != nil {
		n.logger.Error("notification enqueue failed", "kind", kind, "err", err)
	}
}

// Run polls the outbox until the context is cancelled.
func (n *Notifier) Run(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.deliverPending(ctx)
		}
	}
}

func (n *Notifier) deliverPending(ctx context.Context) {
	if n.url == "" {
		return
	}
	pending, err := n.store.ListPendingNotifications(ctx, 50)
	if err != nil {
		n.logger.Error("outbox read failed", "err", err)
		return
	}
	for _, notification := range pending {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		if err := n.post(ctx, notification); err != nil {
			n.logger.Warn("notification delivery failed, will retry",
				"id", notification.ID, "kind", notification.Kind, "err", err)
			continue
		}
		if err := n.store.MarkNotificationSent(ctx, notification.ID); err != nil {
			n.logger.Error("outbox update failed", "id", notification.ID, "err", err)
		}
	}
}

type webhookEnvelope struct {
	Kind      string          `json:"kind"`
	SubjectID string          `json:"subjectId"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt int64           `json:"emittedAt"`
}

func (n *Notifier) post(ctx context.Context, notification escrowdb.Notification) error {
	body, err := json.Marshal(webhookEnvelope{
		Kind:      notification.Kind,
		SubjectID: notification.SubjectID,
		Payload:   json.RawMessage(notification.Payload),
		EmittedAt: notification.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpDeliveryError{status: resp.StatusCode}
	}
	return nil
}

type httpDeliveryError struct {
	status int
}

func (e *httpDeliveryError) Error() string {
	return "webhook returned status " + http.StatusText(e.status)
}
