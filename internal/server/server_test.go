package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"loadline/internal/config"
	"loadline/internal/db"
	"loadline/internal/domain"
	"loadline/internal/engine"
	"loadline/internal/events"
	"loadline/internal/logging"
	"loadline/internal/migrate"
	"loadline/internal/realtime"
	loadlinesdk "loadline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *realtime.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// token mints a bearer token for userID with role.
func (s *testServer) token(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	tok, err := SignToken(testSecret, domain.Principal{UserID: userID, Email: userID + "@example.com", Role: role}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) sdk(t *testing.T, userID string, role domain.Role) *loadlinesdk.Client {
	t.Helper()
	return loadlinesdk.New(s.URL, s.token(t, userID, role))
}

func newTestServer(t *testing.T, allowDevLogin bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logging.Discard()
	bus := events.NewBus(logger)
	hub := realtime.NewHub()
	e := engine.New(conn, cfg, bus, logger)
	e.Subscribe(bus)
	realtime.Fanout{Broker: realtime.LocalBroker{Hub: hub}, Logger: logger}.Attach(bus)

	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, AllowDevLogin: allowDevLogin},
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func apiErr(t *testing.T, err error) *loadlinesdk.APIError {
	t.Helper()
	var apiErr *loadlinesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}

	forged, err := SignToken("other-secret", domain.Principal{UserID: "u1", Role: domain.RoleAdminRH}, time.Now(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret accepted: %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{"user_id": "u1", "role": "ADMIN_RH"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("dev login route must not exist by default, got %d", res.StatusCode)
	}
}

func TestMeListsPermissionsAndChannels(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	me, err := srv.sdk(t, "c1", domain.RoleCollaborator).Me(context.Background())
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.UserID != "c1" || me.Role != "COLLABORATOR" {
		t.Fatalf("unexpected principal %+v", me)
	}
	if strings.Join(me.Channels, ",") != "user:c1,role:COLLABORATOR" {
		t.Fatalf("unexpected channels %v", me.Channels)
	}
	for _, p := range me.Permissions {
		if p == "team.manage" {
			t.Fatalf("collaborator must not manage teams: %v", me.Permissions)
		}
	}
}

func TestCollaboratorIsForbiddenFromManagement(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	collab := srv.sdk(t, "c1", domain.RoleCollaborator)

	_, err := collab.CreateTeam(ctx, "t1", "Platform")
	if e := apiErr(t, err); e.StatusCode != http.StatusForbidden || e.Code() != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = collab.SetSetting(ctx, engine.SettingOverloadCritical, "60")
	if e := apiErr(t, err); e.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden setting write, got %v", err)
	}
	if _, err := collab.GetState(ctx, "someone-else"); apiErr(t, err).StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden read of another user's state, got %v", err)
	}

	manager := srv.sdk(t, "m1", domain.RoleManager)
	_, err = manager.SetSetting(ctx, engine.SettingOverloadCritical, "60")
	if e := apiErr(t, err); e.StatusCode != http.StatusForbidden {
		t.Fatalf("only ADMIN_RH writes settings, got %v", err)
	}
}

func TestTeamTensionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	admin := srv.sdk(t, "admin", domain.RoleAdminRH)

	if _, err := admin.CreateTeam(ctx, "t1", "Platform"); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if _, err := admin.CreateTeam(ctx, "t1", "Again"); apiErr(t, err).Code() != "invalid_state" {
		t.Fatalf("duplicate team should conflict, got %v", err)
	}

	snap, err := admin.ComputeTension(ctx, "t1")
	if err != nil || snap != nil {
		t.Fatalf("empty team must not produce a snapshot, got %+v, %v", snap, err)
	}

	users := []string{"u1", "u2", "u3", "u4"}
	for i, uid := range users {
		if _, err := admin.AddMember(ctx, "t1", uid); err != nil {
			t.Fatalf("add member %s: %v", uid, err)
		}
		self := srv.sdk(t, uid, domain.RoleCollaborator)
		if _, err := self.CreateState(ctx, uid); err != nil {
			t.Fatalf("create state %s: %v", uid, err)
		}
		if i < 3 {
			state, err := self.UpdateState(ctx, uid, "HIGH", "")
			if err != nil {
				t.Fatalf("update state %s: %v", uid, err)
			}
			if state.Workload != "HIGH" || state.Availability != "AVAILABLE" {
				t.Fatalf("unexpected state %+v", state)
			}
		}
	}

	snap, err = admin.ComputeTension(ctx, "t1")
	if err != nil {
		t.Fatalf("compute tension: %v", err)
	}
	if snap == nil || snap.Level != "CRITICAL" || snap.Metrics.OverloadPercentage != 75 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	latest, err := admin.Tension(ctx, "t1")
	if err != nil || latest.ID != snap.ID {
		t.Fatalf("latest snapshot mismatch: %+v, %v", latest, err)
	}

	history, err := srv.sdk(t, "u1", domain.RoleCollaborator).StateHistory(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].PriorState.Workload != "NORMAL" || history[0].NewState.Workload != "HIGH" {
		t.Fatalf("unexpected history %+v", history)
	}
	score, err := admin.Reliability(ctx, "u1")
	if err != nil {
		t.Fatalf("reliability: %v", err)
	}
	if score.Score <= 0 || score.Score > 1 {
		t.Fatalf("score out of bounds: %+v", score)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/users/u1/state", map[string]any{"workload": "EXTREME"},
		map[string]string{"Authorization": "Bearer " + srv.token(t, "u1", domain.RoleCollaborator)})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid workload should be 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStateIsWrittenByOwnerOnly(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()

	owner := srv.sdk(t, "u1", domain.RoleCollaborator)
	if _, err := owner.CreateState(ctx, "u1"); err != nil {
		t.Fatalf("create state: %v", err)
	}
	for _, role := range []domain.Role{domain.RoleManager, domain.RoleAdminRH} {
		other := srv.sdk(t, "boss", role)
		_, err := other.UpdateState(ctx, "u1", "HIGH", "")
		if e := apiErr(t, err); e.StatusCode != http.StatusForbidden || e.Code() != "forbidden" {
			t.Fatalf("%s rewrote another user's state: %v", role, err)
		}
		if _, err := other.GetState(ctx, "u1"); err != nil {
			t.Fatalf("%s should still read the state: %v", role, err)
		}
	}
	state, err := owner.UpdateState(ctx, "u1", "LOW", "")
	if err != nil || state.Workload != "LOW" {
		t.Fatalf("owner update failed: %+v, %v", state, err)
	}
}

func TestSettingRoutesValidateOverrides(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	admin := srv.sdk(t, "admin", domain.RoleAdminRH)

	s, err := admin.SetSetting(ctx, engine.SettingOverloadCritical, "60")
	if err != nil || s.Key != engine.SettingOverloadCritical || s.Value != "60" {
		t.Fatalf("set setting: %+v, %v", s, err)
	}
	for key, value := range map[string]string{
		engine.SettingReliabilityMin: "-5",
		engine.SettingRatioCritical:  "NaN",
		engine.SettingOverloadHigh:   "65",
	} {
		if _, err := admin.SetSetting(ctx, key, value); apiErr(t, err).StatusCode != http.StatusBadRequest {
			t.Fatalf("%s=%s should be rejected, got %v", key, value, err)
		}
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	body := map[string]any{"id": "t1", "name": strings.Repeat("x", maxBodyBytes)}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/teams", body,
		map[string]string{"Authorization": "Bearer " + srv.token(t, "admin", domain.RoleAdminRH)})
	if res.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, data) != "payload_too_large" {
		t.Fatalf("expected 413, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRespondTwiceConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	manager := srv.sdk(t, "m1", domain.RoleManager)
	collab := srv.sdk(t, "c1", domain.RoleCollaborator)

	if _, err := manager.CreateTeam(ctx, "t1", "Support"); err != nil {
		t.Fatalf("create team: %v", err)
	}
	if _, err := manager.CreateReinforcement(ctx, "t1", []string{"go"}, 11, time.Now().Add(time.Hour)); apiErr(t, err).StatusCode != http.StatusBadRequest {
		t.Fatalf("urgency above 10 should be rejected, got %v", err)
	}
	req, err := manager.CreateReinforcement(ctx, "t1", []string{"go", " go "}, 7, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create reinforcement: %v", err)
	}
	if req.Status != "OPEN" || len(req.RequiredSkills) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	open, err := collab.Reinforcements(ctx, "")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open request, got %d, %v", len(open), err)
	}

	resp, err := collab.Respond(ctx, req.ID, "ACCEPTED")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.UserID != "c1" || resp.Response != "ACCEPTED" {
		t.Fatalf("unexpected response %+v", resp)
	}
	_, err = collab.Respond(ctx, req.ID, "REFUSED")
	if e := apiErr(t, err); e.StatusCode != http.StatusConflict || e.Code() != "already_responded" {
		t.Fatalf("expected already_responded, got %v", err)
	}
	if _, err := collab.Respond(ctx, "missing", "ACCEPTED"); apiErr(t, err).StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDevTokenWhenAllowed(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	ctx := context.Background()

	anon := loadlinesdk.New(srv.URL, "")
	token, err := anon.DevToken(ctx, "dev", "dev@example.com", "MANAGER")
	if err != nil {
		t.Fatalf("dev token: %v", err)
	}
	me, err := loadlinesdk.New(srv.URL, token).Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.UserID != "dev" || me.Role != "MANAGER" {
		t.Fatalf("unexpected principal %+v", me)
	}
	if _, err := anon.DevToken(ctx, "dev", "", "ROOT"); err == nil {
		t.Fatalf("unknown role must be rejected")
	}
}

func TestWebsocketReceivesStateUpdate(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	ctx := context.Background()
	token := srv.token(t, "u1", domain.RoleCollaborator)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	dec := json.NewDecoder(conn)

	var ready realtime.Message
	if err := dec.Decode(&ready); err != nil || ready.Type != realtime.TypeConnectionReady {
		t.Fatalf("expected ready frame, got %+v, %v", ready, err)
	}

	self := loadlinesdk.New(srv.URL, token)
	if _, err := self.CreateState(ctx, "u1"); err != nil {
		t.Fatalf("create state: %v", err)
	}
	if _, err := self.UpdateState(ctx, "u1", "", "UNAVAILABLE"); err != nil {
		t.Fatalf("update state: %v", err)
	}

	var msg realtime.Message
	if err := dec.Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != realtime.TypeHumanStateUpdated || msg.Channel != "user:u1" {
		t.Fatalf("unexpected frame %+v", msg)
	}
	var payload events.HumanStateUpdated
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.NewState.Availability != domain.AvailabilityUnavailable || payload.PreviousState.Availability != domain.AvailabilityAvailable {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if _, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", srv.URL); err == nil {
		t.Fatalf("anonymous websocket must be rejected")
	}
}
