package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loadline/internal/db"
	"loadline/internal/domain"
	"loadline/internal/migrate"
	"loadline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestHumanStatesByTeam(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.Teams.Create(ctx, domain.Team{ID: "team-1", Name: "Ops", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	for _, uid := range []string{"u1", "u2", "u3"} {
		if err := r.HumanStates.Create(ctx, domain.HumanState{UserID: uid, State: domain.State{Workload: domain.WorkloadNormal, Availability: domain.AvailabilityAvailable}, UpdatedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}
	for _, uid := range []string{"u1", "u2"} {
		if err := r.Teams.AddMember(ctx, domain.TeamMember{TeamID: "team-1", UserID: uid, AddedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Teams.AddMember(ctx, domain.TeamMember{TeamID: "team-1", UserID: "u1", AddedAt: t0}); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate member error, got %v", err)
	}
	states, err := r.HumanStates.FindByTeamID(ctx, "team-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if err := r.HumanStates.Update(ctx, domain.HumanState{UserID: "missing", UpdatedAt: t0}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := domain.HumanStateHistoryEntry{
			ID:         string(rune('a' + i)),
			UserID:     "u1",
			PriorState: domain.State{Workload: domain.WorkloadLow, Availability: domain.AvailabilityAvailable},
			NewState:   domain.State{Workload: domain.WorkloadHigh, Availability: domain.AvailabilityAvailable},
			ChangedAt:  t0.Add(time.Duration(i) * 1500 * time.Millisecond),
		}
		if err := r.History.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := r.History.FindByUserID(ctx, "u1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].ID != "e" || entries[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestResponsesUnique(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.Teams.Create(ctx, domain.Team{ID: "team-1", Name: "Ops", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	req := domain.ReinforcementRequest{ID: "r1", TeamID: "team-1", RequiredSkills: []string{"go"}, UrgencyLevel: 5, Status: domain.RequestOpen, ExpiresAt: t0.Add(time.Hour), CreatedAt: t0}
	if err := r.Requests.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	resp := domain.ReinforcementResponse{ID: "x1", RequestID: "r1", UserID: "u1", Response: domain.ResponseAccepted, RespondedAt: t0}
	if err := r.Responses.Create(ctx, resp); err != nil {
		t.Fatal(err)
	}
	resp.ID = "x2"
	if err := r.Responses.Create(ctx, resp); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	got, err := r.Responses.FindByUserResponse(ctx, "r1", "u1")
	if err != nil || got.ID != "x1" {
		t.Fatalf("unexpected response %+v, %v", got, err)
	}
	expired, err := r.Requests.FindExpiredRequests(ctx, t0.Add(2*time.Hour))
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected one expired request, got %d, %v", len(expired), err)
	}
	loaded, err := r.Requests.FindByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.RequiredSkills) != 1 || loaded.RequiredSkills[0] != "go" || !loaded.ExpiresAt.Equal(req.ExpiresAt) {
		t.Fatalf("request not round-tripped: %+v", loaded)
	}
}

func TestExpireIfOpenOnlyMovesOpenRequests(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.Teams.Create(ctx, domain.Team{ID: "team-1", Name: "Ops", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	for _, req := range []domain.ReinforcementRequest{
		{ID: "open", TeamID: "team-1", UrgencyLevel: 3, Status: domain.RequestOpen, ExpiresAt: t0, CreatedAt: t0},
		{ID: "closed", TeamID: "team-1", UrgencyLevel: 3, Status: domain.RequestClosed, ExpiresAt: t0, CreatedAt: t0},
	} {
		if err := r.Requests.Create(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	moved, err := r.Requests.ExpireIfOpen(ctx, "open")
	if err != nil || !moved {
		t.Fatalf("expected open request to expire, got %v, %v", moved, err)
	}
	if moved, err := r.Requests.ExpireIfOpen(ctx, "open"); err != nil || moved {
		t.Fatalf("second expiry should be a no-op, got %v, %v", moved, err)
	}
	if moved, err := r.Requests.ExpireIfOpen(ctx, "closed"); err != nil || moved {
		t.Fatalf("closed request must not expire, got %v, %v", moved, err)
	}
	if moved, err := r.Requests.ExpireIfOpen(ctx, "missing"); err != nil || moved {
		t.Fatalf("missing request reported %v, %v", moved, err)
	}
	for id, want := range map[string]domain.RequestStatus{"open": domain.RequestExpired, "closed": domain.RequestClosed} {
		got, err := r.Requests.FindByID(ctx, id)
		if err != nil || got.Status != want {
			t.Fatalf("%s: expected %s, got %s, %v", id, want, got.Status, err)
		}
	}
}

func TestSettingsAuditTrail(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.Settings.Create(ctx, domain.RHSetting{Key: "tension.overload.critical", Value: "70", UpdatedBy: "admin", UpdatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if err := r.Settings.Update(ctx, domain.RHSetting{Key: "tension.overload.critical", Value: "65", UpdatedBy: "admin2", UpdatedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := r.Settings.Update(ctx, domain.RHSetting{Key: "missing", Value: "1", UpdatedBy: "admin", UpdatedAt: t0}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	history, err := r.Settings.History(ctx, "tension.overload.critical")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(history))
	}
	if history[0].OldValue != nil || history[1].OldValue == nil || *history[1].OldValue != "70" || history[1].NewValue != "65" {
		t.Fatalf("unexpected audit trail: %+v", history)
	}
	s, err := r.Settings.FindByKey(ctx, "tension.overload.critical")
	if err != nil || s.Value != "65" || s.UpdatedBy != "admin2" {
		t.Fatalf("unexpected setting %+v, %v", s, err)
	}
}
