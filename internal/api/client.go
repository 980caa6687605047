// Package api はウォレットAPIへのHTTPリクエストラッパーを提供する。
//
// すべての送信リクエストに対してベアラートークンの解決・添付を行い、
// トランスポート障害と非2xxレスポンスをmodel.APIErrorへ正規化する。
// リトライ・タイムアウト・バックオフは持たない。失敗は常に同期的に
// 呼び出し側へ返し、リトライ方針は呼び出し側が決める（ログインと
// バックグラウンドリフレッシュでは求められるリトライ特性が異なるため）。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/hitoshi/saifu/internal/metrics"
	"github.com/hitoshi/saifu/internal/model"
	"github.com/hitoshi/saifu/internal/token"
)

// requestIDHeader はログ相関用のリクエストIDを運ぶヘッダー名。
const requestIDHeader = "X-Request-ID"

// maxErrorBodySize はエラーレスポンスボディの最大読み取りサイズ。
const maxErrorBodySize = 256 * 1024

// errorEnvelope はバックエンドのエラーレスポンス形式。
type errorEnvelope struct {
	Message string `json:"message"`
}

// ClientConfig はClientの任意依存をまとめた設定。
type ClientConfig struct {
	// Limiter は送信リクエストのクライアント側レートリミッター。nil可。
	Limiter *rate.Limiter
	// Metrics はリクエストメトリクスの記録先。nil可。
	Metrics metrics.MetricsCollector
	// OnUnauthorized は認証済みエンドポイントから401を受信した際に
	// 呼び出されるフック。セッション無効化の一元化に使う。nil可。
	OnUnauthorized func()
}

// Client はウォレットAPIへのリクエストを発行するHTTPクライアントラッパー。
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         token.Source
	limiter        *rate.Limiter
	metrics        metrics.MetricsCollector
	onUnauthorized func()
}

// NewClient はClientを生成する。
// httpClientにはNewCookieClientで生成したCookieジャー付きクライアントを渡し、
// token.Sourceと同一のジャーを共有させること。
func NewClient(apiBaseURL string, httpClient *http.Client, tokens token.Source, cfg ClientConfig) *Client {
	return &Client{
		baseURL:        apiBaseURL,
		http:           httpClient,
		tokens:         tokens,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		onUnauthorized: cfg.OnUnauthorized,
	}
}

// NewCookieClient はセッションCookieを保持する共有Cookieジャー付きの
// HTTPクライアントを生成する。ジャーはtoken.Sourceとapi.Clientの間で
// 共有される（同一ブラウザとしてふるまうため）。
// タイムアウトは設定しない。リクエスト単位の打ち切りはcontextで行う。
func NewCookieClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &http.Client{Jar: jar}, nil
}

// Do はウォレットAPIへリクエストを発行する。
//
//  1. token.Sourceでベアラートークンを解決し、存在する場合のみ
//     Authorizationヘッダーに添付する（未認証時は匿名リクエスト）。
//  2. Cookieは常に送信される（ベアラーヘッダーとの多層防御。
//     バックエンドはどちらでも受け付ける）。
//  3. bodyが非nilの場合はJSONシリアライズして送信する。
//  4. 非2xxレスポンスはJSONエラーボディの解析を試み、失敗時は
//     HTTPステータステキストにフォールバックしてAPIErrorを返す。
//  5. 2xxで空または非JSONボディの場合はoutをゼロ値のまま成功とする。
//  6. レスポンスを受信できなかった場合はStatusCode 0のAPIErrorを返す。
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.NewNetworkError(err)
		}
	}

	credential, err := c.tokens.Credential(ctx)
	if err != nil {
		return model.NewNetworkError(err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return model.NewNetworkError(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return model.NewNetworkError(err)
	}

	requestID := uuid.New().String()
	req.Header.Set(requestIDHeader, requestID)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.recordRequest(path, 0, duration)
		slog.Warn("api request failed",
			slog.String("request_id", requestID),
			slog.String("method", method),
			slog.String("endpoint", path),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	c.recordRequest(path, resp.StatusCode, duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp, requestID, method, path)
	}

	slog.Debug("api request completed",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("endpoint", path),
		slog.Int("status", resp.StatusCode),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/float64(time.Millisecond)),
	)

	if out == nil {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil || len(respBody) == 0 {
		// 204等の空レスポンスは空の結果として成功扱い
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		// 2xxかつ非JSONボディは空の結果として成功扱い
		slog.Debug("api response body is not JSON",
			slog.String("request_id", requestID),
			slog.String("endpoint", path),
		)
		return nil
	}

	return nil
}

// Get はGETリクエストを発行する。
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post はPOSTリクエストを発行する。
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// handleErrorResponse は非2xxレスポンスをAPIErrorへ正規化する。
// 401の場合はOnUnauthorizedフックを呼び出し、セッション無効化を一元化する。
func (c *Client) handleErrorResponse(resp *http.Response, requestID, method, path string) error {
	rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	message := ""
	var envelope errorEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err == nil {
		message = envelope.Message
	}

	apiErr := model.NewHTTPError(resp.StatusCode, message, string(rawBody))

	slog.Warn("api request returned error",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("endpoint", path),
		slog.Int("status", resp.StatusCode),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		if c.metrics != nil {
			c.metrics.RecordAuthFailure()
		}
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}

	return apiErr
}

// recordRequest はメトリクスコレクターが設定されている場合に記録する。
func (c *Client) recordRequest(path string, statusCode int, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordAPIRequest(path, statusCode, duration)
	}
}
