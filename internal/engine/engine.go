package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"loadline/internal/config"
	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

var (
	// ErrInvalidState reports an operation the reinforcement lifecycle does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyResponded reports a second response by the same user to one request.
	ErrAlreadyResponded = errors.New("already responded")
	ErrInvalidInput     = errors.New("invalid input")
)

type TeamStore interface {
	Create(ctx context.Context, t domain.Team) error
	FindByID(ctx context.Context, id string) (domain.Team, error)
	List(ctx context.Context) ([]domain.Team, error)
	AddMember(ctx context.Context, m domain.TeamMember) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	Members(ctx context.Context, teamID string) ([]domain.TeamMember, error)
}

type HumanStateStore interface {
	Create(ctx context.Context, s domain.HumanState) error
	FindByUserID(ctx context.Context, userID string) (domain.HumanState, error)
	Update(ctx context.Context, s domain.HumanState) error
	FindByTeamID(ctx context.Context, teamID string) ([]domain.HumanState, error)
}

type HistoryStore interface {
	Create(ctx context.Context, e domain.HumanStateHistoryEntry) error
	FindByUserID(ctx context.Context, userID string, limit int) ([]domain.HumanStateHistoryEntry, error)
}

type TensionStore interface {
	Create(ctx context.Context, s domain.TensionSnapshot) error
	FindByTeamID(ctx context.Context, teamID string, limit int) ([]domain.TensionSnapshot, error)
	FindLatestByTeamID(ctx context.Context, teamID string) (domain.TensionSnapshot, error)
}

type RequestStore interface {
	Create(ctx context.Context, r domain.ReinforcementRequest) error
	FindByID(ctx context.Context, id string) (domain.ReinforcementRequest, error)
	FindByTeamID(ctx context.Context, teamID string) ([]domain.ReinforcementRequest, error)
	FindOpenRequests(ctx context.Context) ([]domain.ReinforcementRequest, error)
	FindExpiredRequests(ctx context.Context, now time.Time) ([]domain.ReinforcementRequest, error)
	Update(ctx context.Context, r domain.ReinforcementRequest) error
	ExpireIfOpen(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

type ResponseStore interface {
	Create(ctx context.Context, r domain.ReinforcementResponse) error
	FindByRequestID(ctx context.Context, requestID string) ([]domain.ReinforcementResponse, error)
	FindByUserResponse(ctx context.Context, requestID, userID string) (domain.ReinforcementResponse, error)
}

type ReliabilityStore interface {
	Create(ctx context.Context, s domain.ReliabilityScore) error
	FindLatestByUserID(ctx context.Context, userID string) (domain.ReliabilityScore, error)
}

type SettingStore interface {
	Create(ctx context.Context, s domain.RHSetting) error
	FindByKey(ctx context.Context, key string) (domain.RHSetting, error)
	FindAll(ctx context.Context) ([]domain.RHSetting, error)
	Update(ctx context.Context, s domain.RHSetting) error
	History(ctx context.Context, key string) ([]domain.RHSettingChange, error)
}

type AlertStore interface {
	Create(ctx context.Context, a domain.Alert) error
	ListFor(ctx context.Context, userID string, role domain.Role, limit int) ([]domain.Alert, error)
}

// Stores are the persistence collaborators the engine consumes.
type Stores struct {
	Teams       TeamStore
	HumanStates HumanStateStore
	History     HistoryStore
	Tension     TensionStore
	Requests    RequestStore
	Responses   ResponseStore
	Reliability ReliabilityStore
	Settings    SettingStore
	Alerts      AlertStore
}

// StoresFrom adapts the SQL repositories.
func StoresFrom(r repo.Repo) Stores {
	return Stores{
		Teams:       r.Teams,
		HumanStates: r.HumanStates,
		History:     r.History,
		Tension:     r.Tension,
		Requests:    r.Requests,
		Responses:   r.Responses,
		Reliability: r.Reliability,
		Settings:    r.Settings,
		Alerts:      r.Alerts,
	}
}

type Engine struct {
	Stores Stores
	Bus    events.Publisher
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, bus events.Publisher, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Stores: StoresFrom(repo.New(db)),
		Bus:    bus,
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

// Subscribe registers the engine's listeners. The archiver goes first so a
// reliability recompute triggered by the same event sees the new history row.
func (e Engine) Subscribe(bus *events.Bus) {
	bus.On(events.NameHumanStateUpdated, e.archiveStateChange)
	for _, name := range []events.Name{
		events.NameHumanStateUpdated,
		events.NameReinforcementAccepted,
		events.NameReinforcementRefused,
	} {
		bus.On(name, e.recomputeOnEvent)
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) publish(ctx context.Context, evt events.Event) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(ctx, evt)
}

func newID() string {
	return uuid.New().String()
}
