// Package app はアプリケーションの初期化と起動を担う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/saifu/internal/api"
	"github.com/hitoshi/saifu/internal/config"
	"github.com/hitoshi/saifu/internal/guard"
	"github.com/hitoshi/saifu/internal/handler"
	"github.com/hitoshi/saifu/internal/logger"
	"github.com/hitoshi/saifu/internal/metrics"
	"github.com/hitoshi/saifu/internal/middleware"
	"github.com/hitoshi/saifu/internal/oauth"
	"github.com/hitoshi/saifu/internal/security"
	"github.com/hitoshi/saifu/internal/session"
	"github.com/hitoshi/saifu/internal/token"
	"github.com/hitoshi/saifu/internal/wallet"
)

// bootstrapTimeout は起動時のセッション復元に許す時間。
const bootstrapTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("LISTEN_PORT")
		if port == "" {
			port = "8420"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ListenPort),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	return runServe(cfg)
}

// runServe はコンソールサーバーモードで起動する。
// バックエンドAPIクライアントと全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. Cookieジャー共有のHTTPクライアント
	cookieClient, err := api.NewCookieClient()
	if err != nil {
		return fmt.Errorf("failed to create cookie client: %w", err)
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. トークンソース（Cookie→Bearerブリッジ）
	tokens := token.NewEndpointSource(cfg.APIBaseURL, cookieClient)

	// 4. APIクライアント。401フックは後段で生成するセッションストアを参照する
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestRateLimit)/60.0), cfg.RequestRateBurst)

	var sessionStore *session.Store
	client := api.NewClient(cfg.APIBaseURL, cookieClient, tokens, api.ClientConfig{
		Limiter: limiter,
		Metrics: collector,
		OnUnauthorized: func() {
			if sessionStore != nil {
				sessionStore.Invalidate()
			}
		},
	})
	sessionStore = session.NewStore(client, collector)

	// 5. セキュリティサービス
	egressGuard := security.NewEgressGuard()
	sanitizer := security.NewTextSanitizer()

	// 6. OAuthハンドシェイク
	flow := oauth.NewFlow(oauth.Config{
		Client:      client,
		Store:       oauth.NewMemStore(),
		Sessions:    sessionStore,
		Tokens:      tokens,
		Vetter:      egressGuard,
		Metrics:     collector,
		RedirectURI: cfg.OAuthRedirectURL,
	})

	// 7. 起動時のセッション復元をバックグラウンドで開始する。
	// 完了までの間、画面側はLoadingスナップショットを見る。
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if err := sessionStore.Bootstrap(ctx); err != nil {
			slog.Warn("session bootstrap failed", slog.String("error", err.Error()))
		}
	}()

	// 8. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:    slog.Default(),
		Sessions:  sessionStore,
		Wallet:    wallet.NewService(client),
		Flow:      flow,
		Guard:     guard.DefaultPolicy(),
		Egress:    egressGuard,
		Sanitizer: sanitizer,
		CSRF:      middleware.CSRFConfig{CookieSecure: cfg.CookieSecure},
		Avatar: handler.AvatarHandlerConfig{
			MaxSize: cfg.AvatarMaxSize,
			Timeout: cfg.AvatarTimeout,
		},
		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ListenPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("console server starting",
			slog.String("addr", server.Addr),
			slog.String("public_url", cfg.PublicURL),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down console server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("console server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
