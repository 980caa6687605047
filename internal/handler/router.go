package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/saifu/internal/guard"
	"github.com/hitoshi/saifu/internal/metrics"
	"github.com/hitoshi/saifu/internal/middleware"
	"github.com/hitoshi/saifu/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// セッションとウォレット
	Sessions SessionServiceInterface
	Wallet   WalletServiceInterface

	// OAuthハンドシェイク
	Flow OAuthFlowInterface

	// ルート判定ポリシー
	Guard guard.Policy

	// セキュリティ
	Egress    security.EgressGuardService
	Sanitizer security.TextSanitizerService
	CSRF      middleware.CSRFConfig

	// アバタープロキシ
	Avatar AvatarHandlerConfig

	// メトリクス公開用。nilの場合は/metricsを公開しない。
	Gatherer prometheus.Gatherer
}

// NewRouter は全画面のルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	consoleHandler := NewConsoleHandler(deps.Sessions, deps.Wallet)
	authHandler := NewAuthHandler(deps.Flow, deps.Sanitizer)
	avatarHandler := NewAvatarHandler(deps.Sessions, deps.Egress, deps.Avatar)

	guarded := newGuardMiddleware(deps.Guard, deps.Sessions, consoleHandler)

	// --- 公開ルート ---
	r.Get("/", consoleHandler.Home)
	r.Get("/health", healthHandler)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 未認証時のみのルート ---
	r.Group(func(r chi.Router) {
		r.Use(guarded.authOnly)
		r.Get("/login", consoleHandler.LoginPage)
		r.Post("/login", consoleHandler.Login)
		r.Get("/auth/{provider}/start", authHandler.Start)
	})

	// OAuthコールバックはガード外。ハンドシェイクの検証自体が門番になる。
	r.Get("/auth/callback", authHandler.Callback)
	r.Get("/auth/error", authHandler.ErrorPage)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(guarded.requireAuth)
		r.Get("/dashboard", consoleHandler.Dashboard)
		r.Get("/avatar", avatarHandler.Serve)
		r.Post("/logout", consoleHandler.Logout)
	})

	return r
}

// healthHandler はコンテナのヘルスチェック用エンドポイント。
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// guardMiddleware はルート属性ごとにguard.Policyの判定を適用する。
type guardMiddleware struct {
	policy   guard.Policy
	sessions SessionServiceInterface
	console  *ConsoleHandler
}

func newGuardMiddleware(policy guard.Policy, sessions SessionServiceInterface, console *ConsoleHandler) *guardMiddleware {
	return &guardMiddleware{
		policy:   policy,
		sessions: sessions,
		console:  console,
	}
}

// requireAuth は認証済みセッションを要求するルートに適用する。
func (g *guardMiddleware) requireAuth(next http.Handler) http.Handler {
	return g.apply(guard.Route{RequiresAuth: true}, next)
}

// authOnly は未認証時のみ表示するルートに適用する。
func (g *guardMiddleware) authOnly(next http.Handler) http.Handler {
	return g.apply(guard.Route{AuthOnly: true}, next)
}

func (g *guardMiddleware) apply(route guard.Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route.Path = r.URL.Path
		decision := g.policy.Decide(route, g.sessions.Snapshot())

		switch decision.Action {
		case guard.ActionPlaceholder:
			g.console.Placeholder(w, r)
		case guard.ActionRedirect:
			http.Redirect(w, r, decision.Target, http.StatusFound)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
