package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"loadline/internal/config"
	"loadline/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 256
)

// WebhookDispatcher forwards bus events to the configured webhooks. The bus
// side only enqueues; Run performs the HTTP deliveries.
type WebhookDispatcher struct {
	hooks   []config.WebhookConfig
	filters []eventFilter
	client  *http.Client
	queue   chan events.Event
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewWebhookDispatcher returns nil when no webhook is enabled.
func NewWebhookDispatcher(hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &WebhookDispatcher{
		client: &http.Client{Timeout: defaultWebhookTimeout},
		queue:  make(chan events.Event, defaultWebhookQueue),
		logger: logger,
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, hook)
		d.filters = append(d.filters, newEventFilter(hook.Events))
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// Attach subscribes the dispatcher to every event on bus.
func (d *WebhookDispatcher) Attach(bus *events.Bus) {
	bus.OnAll(d.enqueue)
}

func (d *WebhookDispatcher) enqueue(_ context.Context, evt events.Event) error {
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
		d.logger.Warn("webhook: queue full, event dropped", "event", evt.Name())
	}
	return nil
}

// Dropped reports events discarded because the queue was full.
func (d *WebhookDispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued events until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-d.queue:
			d.dispatch(ctx, evt)
		}
	}
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, evt events.Event) {
	for i, hook := range d.hooks {
		if !d.filters[i].match(string(evt.Name())) {
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.Name(), "err", err)
		}
	}
}

type webhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()
	data, err := json.Marshal(webhookEvent{
		ID:         deliveryID,
		Type:       string(evt.Name()),
		OccurredAt: evt.OccurredAt(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Loadline-Event", string(evt.Name()))
	req.Header.Set("X-Loadline-Delivery", deliveryID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Loadline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(names []string) eventFilter {
	if len(names) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.TrimSpace(name)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(name string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[name]
	return ok
}
