package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"loadline/internal/db"
	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/logging"
	"loadline/internal/migrate"
	"loadline/internal/realtime"
)

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func channelsOf(msgs []realtime.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Channel
	}
	sort.Strings(out)
	return out
}

func TestRoute(t *testing.T) {
	user := "u1"
	role := domain.RoleCollaborator
	state := domain.State{Workload: domain.WorkloadHigh, Availability: domain.AvailabilityAvailable}
	cases := []struct {
		evt      events.Event
		typ      string
		channels []string
	}{
		{events.NewHumanStateUpdated(t0, "u1", state, state), realtime.TypeHumanStateUpdated, []string{"role:ADMIN_RH", "role:MANAGER", "user:u1"}},
		{events.NewTeamTensionComputed(t0, "t1", domain.TensionLow, domain.TensionMetrics{}), realtime.TypeTensionUpdated, []string{"role:ADMIN_RH", "role:MANAGER"}},
		{events.NewCriticalTensionDetected(t0, "t1", domain.TensionMetrics{}), realtime.TypeTensionCritical, []string{"role:ADMIN_RH", "role:MANAGER"}},
		{events.NewTeamMemberAdded(t0, "t1", "u2"), realtime.TypeMembershipChanged, []string{"role:MANAGER", "user:u2"}},
		{events.NewTeamMemberRemoved(t0, "t1", "u2"), realtime.TypeMembershipChanged, []string{"role:MANAGER", "user:u2"}},
		{events.NewReinforcementRequested(t0, "r1", "t1", []string{"go"}, 4), realtime.TypeReinforcementNew, []string{"role:COLLABORATOR"}},
		{events.NewReinforcementResponse(t0, "r1", "u3", domain.ResponseAccepted), realtime.TypeReinforcementReplied, []string{"role:MANAGER"}},
		{events.NewReinforcementResponse(t0, "r1", "u3", domain.ResponseRefused), realtime.TypeReinforcementReplied, []string{"role:MANAGER"}},
		{events.NewAlertCreated(t0, domain.Alert{ID: "a1", UserID: &user, TargetRole: &role, Severity: "info", Message: "hi"}), realtime.TypeAlertNew, []string{"user:u1"}},
		{events.NewAlertCreated(t0, domain.Alert{ID: "a2", TargetRole: &role, Severity: "info", Message: "hi"}), realtime.TypeAlertNew, []string{"role:COLLABORATOR"}},
	}
	for _, c := range cases {
		msgs, err := realtime.Route(c.evt)
		if err != nil {
			t.Fatalf("route %s: %v", c.evt.Name(), err)
		}
		got := channelsOf(msgs)
		if strings.Join(got, ",") != strings.Join(c.channels, ",") {
			t.Fatalf("%s routed to %v, want %v", c.evt.Name(), got, c.channels)
		}
		for _, m := range msgs {
			if m.Type != c.typ || !m.SentAt.Equal(t0) || !json.Valid(m.Payload) {
				t.Fatalf("unexpected message %+v", m)
			}
		}
	}

	msgs, _ := realtime.Route(events.NewReinforcementResponse(t0, "r1", "u3", domain.ResponseRefused))
	var payload map[string]string
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["response"] != "REFUSED" || payload["request_id"] != "r1" {
		t.Fatalf("unexpected response payload %v", payload)
	}
}

func receive(t *testing.T, ch <-chan realtime.Message) realtime.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return realtime.Message{}
}

func TestHubSubscribeAndLeave(t *testing.T) {
	hub := realtime.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	inbox := hub.Subscribe(ctx, 1, "user:u1", "role:MANAGER")
	if n := hub.Deliver(realtime.Message{Type: "x", Channel: "role:MANAGER"}); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if n := hub.Deliver(realtime.Message{Type: "x", Channel: "role:ADMIN_RH"}); n != 0 {
		t.Fatalf("expected no delivery to unjoined channel, got %d", n)
	}
	hub.Deliver(realtime.Message{Type: "overflow", Channel: "user:u1"})
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", hub.Dropped())
	}
	if msg := receive(t, inbox); msg.Channel != "role:MANAGER" {
		t.Fatalf("unexpected message %+v", msg)
	}
	cancel()
	for range inbox {
	}
	if hub.Subscribers("user:u1") != 0 || hub.Subscribers("role:MANAGER") != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestFanoutFromBus(t *testing.T) {
	hub := realtime.NewHub()
	bus := events.NewBus(logging.Discard())
	realtime.Fanout{Broker: realtime.LocalBroker{Hub: hub}, Logger: logging.Discard()}.Attach(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collab := hub.Subscribe(ctx, 4, "role:COLLABORATOR")
	manager := hub.Subscribe(ctx, 4, "role:MANAGER")

	bus.Publish(ctx, events.NewReinforcementRequested(t0, "r1", "t1", []string{"sql"}, 9))
	bus.Publish(ctx, events.NewReinforcementResponse(t0, "r1", "u1", domain.ResponseAccepted))

	if msg := receive(t, collab); msg.Type != realtime.TypeReinforcementNew {
		t.Fatalf("collaborators got %+v", msg)
	}
	if msg := receive(t, manager); msg.Type != realtime.TypeReinforcementReplied {
		t.Fatalf("managers got %+v", msg)
	}
}

func openDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dir
}

func TestSQLBrokerRelaysAcrossInstances(t *testing.T) {
	dir := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type instance struct {
		hub    *realtime.Hub
		broker *realtime.SQLBroker
	}
	newInstance := func(origin string) instance {
		conn, err := db.Open(db.Config{Workspace: dir})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		hub := realtime.NewHub()
		return instance{hub: hub, broker: realtime.NewSQLBroker(conn, hub, realtime.SQLBrokerOptions{Origin: origin, Logger: logging.Discard()})}
	}
	a := newInstance("a")
	b := newInstance("b")

	old := realtime.Message{Type: realtime.TypeAlertNew, Channel: "user:u1", Payload: json.RawMessage(`{"old":true}`), SentAt: t0}
	if err := a.broker.Publish(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := b.broker.Init(ctx); err != nil {
		t.Fatal(err)
	}

	inboxA := a.hub.Subscribe(ctx, 4, "user:u1")
	inboxB := b.hub.Subscribe(ctx, 4, "user:u1")
	msg := realtime.Message{Type: realtime.TypeAlertNew, Channel: "user:u1", Payload: json.RawMessage(`{"alert_id":"a1"}`), SentAt: t0}
	if err := a.broker.Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, inboxA); string(got.Payload) != `{"alert_id":"a1"}` {
		t.Fatalf("local delivery got %s", got.Payload)
	}

	n, err := b.broker.Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one relayed message, got %d, %v", n, err)
	}
	got := receive(t, inboxB)
	if got.Type != realtime.TypeAlertNew || string(got.Payload) != `{"alert_id":"a1"}` || !got.SentAt.Equal(t0) {
		t.Fatalf("unexpected relayed message %+v", got)
	}
	if n, err := a.broker.Poll(ctx); err != nil || n != 0 {
		t.Fatalf("origin must skip its own rows, got %d, %v", n, err)
	}
	if n, _ := b.broker.Poll(ctx); n != 0 {
		t.Fatalf("cursor should not replay, got %d", n)
	}

	a.broker.Now = func() time.Time { return t0.Add(time.Hour) }
	pruned, err := a.broker.Prune(ctx)
	if err != nil || pruned != 2 {
		t.Fatalf("expected two pruned rows, got %d, %v", pruned, err)
	}
}

type fakeAuth map[string]domain.Principal

func (f fakeAuth) Authenticate(_ context.Context, token string) (domain.Principal, error) {
	p, ok := f[token]
	if !ok {
		return domain.Principal{}, errors.New("bad token")
	}
	return p, nil
}

func dial(srv *httptest.Server, query string, header http.Header) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	if header != nil {
		cfg.Header = header
	}
	return websocket.DialConfig(cfg)
}

func TestWebsocketRequiresToken(t *testing.T) {
	hub := realtime.NewHub()
	auth := fakeAuth{"good": {UserID: "u1", Role: domain.RoleManager}}
	srv := httptest.NewServer(realtime.Handler(hub, auth, logging.Discard()))
	defer srv.Close()

	if _, err := dial(srv, "", nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if _, err := dial(srv, "?token=bad", nil); err == nil {
		t.Fatalf("expected dial with bad token to fail")
	}
	res, err := http.Get(srv.URL + "/ws?token=bad")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if hub.Subscribers("user:u1") != 0 {
		t.Fatalf("rejected connection joined a channel")
	}
}

func TestWebsocketJoinsUserAndRoleChannels(t *testing.T) {
	hub := realtime.NewHub()
	auth := fakeAuth{"tok": {UserID: "u1", Email: "u1@example.com", Role: domain.RoleManager}}
	srv := httptest.NewServer(realtime.Handler(hub, auth, logging.Discard()))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	conn, err := dial(srv, "", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	dec := json.NewDecoder(conn)

	var ready realtime.Message
	if err := dec.Decode(&ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if ready.Type != realtime.TypeConnectionReady {
		t.Fatalf("expected ready frame, got %+v", ready)
	}
	if hub.Subscribers("user:u1") != 1 || hub.Subscribers("role:MANAGER") != 1 || hub.Subscribers("role:ADMIN_RH") != 0 {
		t.Fatalf("unexpected channel membership")
	}

	hub.Deliver(realtime.Message{Type: realtime.TypeTensionCritical, Channel: "role:MANAGER", Payload: json.RawMessage(`{"team_id":"t1"}`), SentAt: t0})
	var got realtime.Message
	if err := dec.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != realtime.TypeTensionCritical || got.Channel != "role:MANAGER" {
		t.Fatalf("unexpected frame %+v", got)
	}
}
