package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラーのpanicを回復し、500を返すミドルウェアを生成する。
// APIリクエストには統一エラーフォーマットのJSON、画面には固定メッセージを返す。
// レスポンスがすでに書き込まれている場合（WebSocket接続中など）はログのみ記録する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error("panic recovered",
					slog.Any("panic", p),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if rec.written {
					return
				}
				if wantsJSON(r) {
					WriteInternalServerError(rec)
					return
				}
				http.Error(rec, "An error occurred. Please try again", http.StatusInternalServerError)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
