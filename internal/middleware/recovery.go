package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// コンソールはHTMLを返すため、panic時の500もブラウザで読める形にする。
const panicResponseBody = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>saifu - エラー</title></head>
<body>
<h1>サーバーエラーが発生しました</h1>
<p>時間をおいて再度お試しください。<a href="/">ホームへ戻る</a></p>
</body>
</html>`

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// スタックトレースを記録した上でHTMLの500レスポンスを返す
// ミドルウェアを生成する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
						slog.String("stack", string(debug.Stack())),
					)
					w.Header().Set("Content-Type", "text/html; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(panicResponseBody))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
