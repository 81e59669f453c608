package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/coursehistory/internal/auth"
	"github.com/hitoshi/coursehistory/internal/middleware"
	"github.com/hitoshi/coursehistory/internal/model"
	"github.com/hitoshi/coursehistory/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// SessionResponse はセッション状態のJSON表現。
type SessionResponse struct {
	Status      string             `json:"status"`
	Loading     bool               `json:"loading"`
	CurrentUser *auth.User         `json:"currentUser"`
	UserProfile *model.UserProfile `json:"userProfile"`
}

func newSessionResponse(state session.State) SessionResponse {
	return SessionResponse{
		Status:      state.Status.String(),
		Loading:     state.Loading(),
		CurrentUser: state.User,
		UserProfile: state.Profile,
	}
}

// SessionHandler はセッション状態をJSONとWebSocketで公開するHTTPハンドラー。
type SessionHandler struct {
	refreshInterval time.Duration
	upgrader        websocket.Upgrader
}

// NewSessionHandler はSessionHandlerを生成する。
// WebSocket接続中はrefreshIntervalごとにセッションの有効期限を延長する。
// allowedOriginが空の場合は同一オリジンの接続のみ受け付ける。
func NewSessionHandler(refreshInterval time.Duration, allowedOrigin string) *SessionHandler {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &SessionHandler{
		refreshInterval: refreshInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, allowedOrigin)
			},
		},
	}
}

// Current は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	_ = coordinator.Wait(ctx)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(newSessionResponse(coordinator.State()))
}

// Stream はセッション状態の変化をWebSocketで配信する。
// 接続直後に現在の状態を送信し、以降は状態が変わるたびに送信する。
// 接続中は定期的にセッションをリフレッシュし、失効した場合はanonymousを送信する。
// GET /api/session/ws
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	coordinator, ok := middleware.CoordinatorFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	client, ok := middleware.ClientFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 書き込みが追いつかない場合は最新の状態だけを残す
	updates := make(chan session.State, 1)
	unsubscribe := coordinator.Subscribe(func(state session.State) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- state:
		default:
		}
	})
	defer unsubscribe()

	// 読み込みループ: クライアントからの切断を検知する
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	refresh := time.NewTicker(h.refreshInterval)
	defer refresh.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(newSessionResponse(state)); err != nil {
				return
			}
		case <-refresh.C:
			if err := client.Refresh(ctx); err != nil {
				slog.Warn("failed to refresh session", slog.String("error", err.Error()))
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin はWebSocketのOriginヘッダーを検証する。
// Originなし（ブラウザ以外）、同一ホスト、または許可されたオリジンのみ受け付ける。
func checkOrigin(r *http.Request, allowedOrigin string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if allowedOrigin != "" && origin == allowedOrigin {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// HealthCheck は依存サービスの疎通を確認する関数。
type HealthCheck func(ctx context.Context) error

// NewHealthHandler は依存サービスの疎通を確認するハンドラーを返す。
// すべて成功した場合は200、いずれかが失敗した場合は503を返す。
// GET /health
func NewHealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				slog.Warn("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": overall,
			"checks": results,
		})
	}
}
