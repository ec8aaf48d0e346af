package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"loadline/internal/domain"
)

func newTestBus() (*Bus, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewBus(logger), &buf
}

func TestBusPublishOrder(t *testing.T) {
	bus, _ := newTestBus()
	var order []string
	bus.On(NameTeamMemberAdded, func(ctx context.Context, evt Event) error {
		order = append(order, "first")
		return nil
	})
	bus.OnAll(func(ctx context.Context, evt Event) error {
		order = append(order, "wildcard")
		return nil
	})
	bus.On(NameTeamMemberAdded, func(ctx context.Context, evt Event) error {
		order = append(order, "second")
		return nil
	})
	bus.Publish(context.Background(), NewTeamMemberAdded(time.Now(), "team-1", "u1"))
	if strings.Join(order, ",") != "first,second,wildcard" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestBusIsolatesFailingHandler(t *testing.T) {
	bus, logs := newTestBus()
	seen := 0
	bus.On(NameHumanStateUpdated, func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.On(NameHumanStateUpdated, func(ctx context.Context, evt Event) error {
		seen++
		return nil
	})
	evt := NewHumanStateUpdated(time.Now(), "u1",
		domain.State{Workload: domain.WorkloadNormal, Availability: domain.AvailabilityAvailable},
		domain.State{Workload: domain.WorkloadHigh, Availability: domain.AvailabilityAvailable})
	bus.Publish(context.Background(), evt)
	if seen != 1 {
		t.Fatalf("second handler should observe the event exactly once, got %d", seen)
	}
	if !strings.Contains(logs.String(), "boom") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
}

func TestBusRecoversPanics(t *testing.T) {
	bus, logs := newTestBus()
	seen := 0
	bus.On(NameAlertCreated, func(ctx context.Context, evt Event) error {
		panic("handler exploded")
	})
	bus.On(NameAlertCreated, func(ctx context.Context, evt Event) error {
		seen++
		return nil
	})
	bus.Publish(context.Background(), NewAlertCreated(time.Now(), domain.Alert{ID: "a1", Message: "hi"}))
	if seen != 1 {
		t.Fatalf("expected sibling handler to run once, got %d", seen)
	}
	if !strings.Contains(logs.String(), "handler exploded") {
		t.Fatalf("expected panic to be logged")
	}
}

func TestBusOnlyMatchingHandlers(t *testing.T) {
	bus, _ := newTestBus()
	called := false
	bus.On(NameReinforcementAccepted, func(ctx context.Context, evt Event) error {
		called = true
		return nil
	})
	bus.Publish(context.Background(), NewReinforcementResponse(time.Now(), "r1", "u1", domain.ResponseRefused))
	if called {
		t.Fatalf("accepted handler must not see a refusal")
	}
}

func TestBusClear(t *testing.T) {
	bus, _ := newTestBus()
	noop := func(ctx context.Context, evt Event) error { return nil }
	bus.On(NameTeamMemberAdded, noop)
	bus.On(NameTeamMemberRemoved, noop)
	bus.OnAll(noop)
	if got := bus.HandlerCount(NameTeamMemberAdded); got != 2 {
		t.Fatalf("expected 2 handlers, got %d", got)
	}
	bus.Clear(NameTeamMemberAdded)
	if got := bus.HandlerCount(NameTeamMemberAdded); got != 1 {
		t.Fatalf("expected wildcard only after clear, got %d", got)
	}
	bus.ClearAll()
	if got := bus.HandlerCount(NameTeamMemberRemoved); got != 0 {
		t.Fatalf("expected no handlers after ClearAll, got %d", got)
	}
}

func TestReinforcementResponseKinds(t *testing.T) {
	accepted := NewReinforcementResponse(time.Now(), "r1", "u1", domain.ResponseAccepted)
	if accepted.Name() != NameReinforcementAccepted {
		t.Fatalf("unexpected name %s", accepted.Name())
	}
	refused := NewReinforcementResponse(time.Now(), "r1", "u1", domain.ResponseRefused)
	if refused.Name() != NameReinforcementRefused {
		t.Fatalf("unexpected name %s", refused.Name())
	}
	if id, ok := SubjectUserID(refused); !ok || id != "u1" {
		t.Fatalf("expected subject u1, got %q", id)
	}
}
