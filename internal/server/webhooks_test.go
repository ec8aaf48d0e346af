package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loadline/internal/config"
	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/logging"
)

type delivery struct {
	header http.Header
	body   webhookEvent
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	got := make(chan delivery, 4)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- delivery{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hookSrv.Close()

	disabled := false
	d := NewWebhookDispatcher([]config.WebhookConfig{
		{URL: hookSrv.URL, Events: []string{string(events.NameCriticalTensionDetected)}, Secret: "s3cret"},
		{URL: hookSrv.URL, Enabled: &disabled},
	}, logging.Discard())
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	bus := events.NewBus(logging.Discard())
	d.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bus.Publish(ctx, events.NewTeamMemberAdded(at, "t1", "u1"))
	bus.Publish(ctx, events.NewCriticalTensionDetected(at, "t1", domain.TensionMetrics{OverloadPercentage: 80}))

	select {
	case dl := <-got:
		if dl.header.Get("X-Loadline-Event") != string(events.NameCriticalTensionDetected) {
			t.Fatalf("unexpected event header %q", dl.header.Get("X-Loadline-Event"))
		}
		if dl.header.Get("X-Loadline-Secret") != "s3cret" || dl.header.Get("X-Loadline-Delivery") == "" {
			t.Fatalf("missing delivery headers: %v", dl.header)
		}
		if dl.body.Type != string(events.NameCriticalTensionDetected) || !dl.body.OccurredAt.Equal(at) {
			t.Fatalf("unexpected body %+v", dl.body)
		}
		var payload events.CriticalTensionDetected
		if err := json.Unmarshal(dl.body.Payload, &payload); err != nil || payload.TeamID != "t1" {
			t.Fatalf("unexpected payload %s: %v", string(dl.body.Payload), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
	select {
	case dl := <-got:
		t.Fatalf("filtered or disabled hook received %q", dl.body.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewWebhookDispatcherWithoutHooks(t *testing.T) {
	if d := NewWebhookDispatcher(nil, nil); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}
