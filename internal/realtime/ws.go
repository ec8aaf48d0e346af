package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"loadline/internal/domain"
)

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Principal, error)
}

type principalKey struct{}

type readyPayload struct {
	UserID   string      `json:"user_id"`
	Role     domain.Role `json:"role"`
	Channels []string    `json:"channels"`
}

// Handler serves the websocket endpoint. Unauthenticated requests are
// rejected with 401 before the upgrade, so they never join a channel.
func Handler(hub *Hub, auth Authenticator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	ws := websocket.Handler(func(conn *websocket.Conn) {
		serveConn(conn, hub, logger)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := TokenFromRequest(r)
		if token == "" || auth == nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		p, err := auth.Authenticate(r.Context(), token)
		if err != nil || strings.TrimSpace(p.UserID) == "" || !p.Role.Valid() {
			logger.Info("websocket unauthorized", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ws.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// TokenFromRequest reads a bearer token from the Authorization header or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func serveConn(conn *websocket.Conn, hub *Hub, logger *slog.Logger) {
	defer conn.Close()
	p, ok := conn.Request().Context().Value(principalKey{}).(domain.Principal)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	channels := []string{UserChannel(p.UserID), RoleChannel(p.Role)}
	inbox := hub.Subscribe(ctx, defaultSubscriberBuffer, channels...)
	enc := json.NewEncoder(conn)

	ready, _ := json.Marshal(readyPayload{UserID: p.UserID, Role: p.Role, Channels: channels})
	if err := enc.Encode(Message{Type: TypeConnectionReady, Channel: channels[0], Payload: ready, SentAt: time.Now().UTC()}); err != nil {
		return
	}
	logger.Debug("websocket joined", "user_id", p.UserID, "role", p.Role)

	// Inbound frames are ignored; a read error means the client went away.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	for msg := range inbox {
		if err := enc.Encode(msg); err != nil {
			logger.Debug("websocket write failed", "user_id", p.UserID, "err", err)
			return
		}
	}
}
