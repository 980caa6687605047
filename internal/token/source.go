// Package token はHttpOnly Cookieベースのセッションをベアラートークンへ橋渡しする。
//
// セッションCookieはHttpOnlyでありスクリプトから直接読めないため、
// Cookieを添えてトークンエンドポイントへ問い合わせ、Authorizationヘッダーで
// 使えるベアラートークンを取り出す。この間接参照がCookieベースの
// セッション管理とヘッダーベースのAPI認証をつなぐ唯一の経路になる。
package token

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// tokenEndpointPath はベアラートークンを返す同一オリジンエンドポイントのパス。
const tokenEndpointPath = "/auth/token"

// maxTokenResponseSize はトークンレスポンスの最大読み取りサイズ。
const maxTokenResponseSize = 64 * 1024

// Source は送信リクエストに添付するベアラートークンを解決するインターフェース。
type Source interface {
	// Credential は現在のベアラートークンを返す。
	// 未認証の場合は空文字列を返す。未認証は正常系（匿名リクエスト）であり
	// エラーにはしない。
	Credential(ctx context.Context) (string, error)
}

// tokenEnvelope はトークンエンドポイントのレスポンス形式。
type tokenEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

// EndpointSource はCookieを共有するHTTPクライアントでトークンエンドポイントへ
// 問い合わせるSourceの実装。
//
// 呼び出しごとに毎回問い合わせ、結果をキャッシュしない。リフレッシュや
// ログアウトでCookieが差し替わった直後でも、常に最新のCookie由来の
// トークンが使われることを保証するためのもの。
type EndpointSource struct {
	endpoint string
	client   *http.Client
}

// NewEndpointSource はEndpointSourceを生成する。
// clientにはセッションCookieを保持するCookieジャー付きのクライアントを渡す。
func NewEndpointSource(apiBaseURL string, client *http.Client) *EndpointSource {
	return &EndpointSource{
		endpoint: apiBaseURL + tokenEndpointPath,
		client:   client,
	}
}

// Credential はトークンエンドポイントからベアラートークンを取り出す。
// 非2xxレスポンス、トークンフィールドの欠落、トランスポート障害のいずれも
// 「未認証」として空文字列を返す。匿名リクエストは正当な状態であり、
// 本来の失敗はこの後の本リクエスト側で表面化する。
func (s *EndpointSource) Credential(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Debug("token endpoint unreachable", slog.String("error", err.Error()))
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		slog.Debug("failed to read token response", slog.String("error", err.Error()))
		return "", nil
	}

	var envelope tokenEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Debug("failed to parse token response", slog.String("error", err.Error()))
		return "", nil
	}

	if envelope.Data.Token == "" {
		return "", nil
	}

	return envelope.Data.Token, nil
}

// compile-time interface check
var _ Source = (*EndpointSource)(nil)
