// Package oauth はOAuth 2.0認可コードフローのクライアント側ステートマシンを提供する。
// 認可URLの取得、anti-forgery stateの生成と検証、コールバックの交換を担う。
// トークンの保管はバックエンドのHttpOnly Cookieに委ね、
// このパッケージは資格情報そのものを保持しない。
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/saifu/internal/metrics"
	"github.com/hitoshi/saifu/internal/model"
	"github.com/hitoshi/saifu/internal/token"
)

// State はハンドシェイクの進行状態を表す。
type State int

const (
	// StateIdle はハンドシェイク未開始を示す。
	StateIdle State = iota
	// StateRedirecting は認可URL取得中を示す。
	StateRedirecting
	// StateAwaitingCallback はプロバイダーからのリダイレクト待ちを示す。
	StateAwaitingCallback
	// StateExchanging は認可コードの交換中を示す。
	StateExchanging
	// StateSucceeded はハンドシェイク成功を示す。
	StateSucceeded
	// StateFailed はハンドシェイク失敗を示す。
	StateFailed
)

// String はStateの文字列表現を返す。
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRedirecting:
		return "redirecting"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchanging:
		return "exchanging"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Callback はプロバイダーからのリダイレクトで受け取ったクエリパラメータ。
type Callback struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

// APIClient はバックエンドAPIへのアクセスを抽象化する。
type APIClient interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// SessionSink は交換結果のセッションを受け取る。
type SessionSink interface {
	SetFromExchange(user model.User, expiresIn int)
}

// URLVetter は外部遷移前のURL検証を抽象化する。
type URLVetter interface {
	ValidateURL(rawURL string) error
}

// authorizeEnvelope はGET /auth/oauth/{provider}のレスポンス形式。
// このエンドポイントのみトップレベルにurlを返す。
type authorizeEnvelope struct {
	URL string `json:"url"`
}

// exchangeRequest はPOST /auth/oauth/callbackのリクエストボディ。
type exchangeRequest struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

// exchangeEnvelope はPOST /auth/oauth/callbackのレスポンス形式。
type exchangeEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		User      model.User `json:"user"`
		ExpiresIn int        `json:"expires_in"`
	} `json:"data"`
}

// Config はFlowの依存をまとめる。
type Config struct {
	Client   APIClient
	Store    HandshakeStore
	Sessions SessionSink
	Tokens   token.Source
	Vetter   URLVetter
	Metrics  metrics.MetricsCollector // nil可

	// RedirectURI はプロバイダーがコールバックするURL。
	// 交換リクエストで認可リクエスト時と同じ値を送る必要がある。
	RedirectURI string
}

// Flow はOAuth認可コードハンドシェイクのステートマシン。
// Begin→（ブラウザのリダイレクト往復）→Completeの順に使う。
type Flow struct {
	client   APIClient
	store    HandshakeStore
	sessions SessionSink
	tokens   token.Source
	vetter   URLVetter
	metrics  metrics.MetricsCollector

	redirectURI string

	mu    sync.Mutex
	state State
}

// NewFlow はFlowを生成する。
func NewFlow(cfg Config) *Flow {
	return &Flow{
		client:      cfg.Client,
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		tokens:      cfg.Tokens,
		vetter:      cfg.Vetter,
		metrics:     cfg.Metrics,
		redirectURI: cfg.RedirectURI,
		state:       StateIdle,
	}
}

// State は現在のハンドシェイク状態を返す。
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Begin はハンドシェイクを開始し、ブラウザを遷移させる認可URLを返す。
// anti-forgery stateを生成して保存し、バックエンド経由で
// プロバイダーの認可URLを取得する。
func (f *Flow) Begin(ctx context.Context, provider model.Provider) (string, error) {
	f.setState(StateRedirecting)

	state, err := newHandshakeState()
	if err != nil {
		return "", f.fail(fmt.Errorf("failed to generate state: %w", err))
	}

	// コールバック到着時に照合できるよう、リダイレクト前に保存する
	f.store.Put(model.Handshake{State: state, Provider: provider})

	var envelope authorizeEnvelope
	path := fmt.Sprintf("/auth/oauth/%s?state=%s", provider, url.QueryEscape(state))
	if err := f.client.Get(ctx, path, &envelope); err != nil {
		return "", f.fail(fmt.Errorf("failed to fetch authorize URL: %w", err))
	}
	if envelope.URL == "" {
		return "", f.fail(fmt.Errorf("authorize URL missing in response"))
	}

	// 外部遷移先としての安全性を検証する
	if f.vetter != nil {
		if err := f.vetter.ValidateURL(envelope.URL); err != nil {
			return "", f.fail(fmt.Errorf("unsafe authorize URL: %w", err))
		}
	}

	f.setState(StateAwaitingCallback)
	slog.Info("oauth handshake started", "provider", provider)
	return envelope.URL, nil
}

// Complete はコールバックを検証し、認可コードをセッションに交換する。
// 保存済みハンドシェイクは成功・失敗を問わず必ず消費（削除）される。
func (f *Flow) Complete(ctx context.Context, cb Callback) (*model.Session, error) {
	f.setState(StateExchanging)

	// 検証結果に関わらず1回で消費する
	stored, ok := f.store.Take()

	// 検証順序: プロバイダーエラー → コード欠落 → state照合
	if cb.ErrorCode != "" {
		msg := cb.ErrorCode
		if cb.ErrorDescription != "" {
			msg = msg + ": " + cb.ErrorDescription
		}
		return nil, f.fail(fmt.Errorf("provider returned error: %s", msg))
	}

	if cb.Code == "" {
		return nil, f.fail(fmt.Errorf("authorization code not received"))
	}

	if !ok {
		// 保存済みハンドシェイクがなければプロバイダーを特定できず、
		// 交換も照合も不可能なため閉じて失敗させる
		return nil, f.fail(fmt.Errorf("no handshake in progress"))
	}

	// 双方にstateが存在する場合のみ照合する。プロバイダーがstateを
	// 返さない場合は照合をスキップする（劣化モード）
	if cb.State != "" && stored.State != "" && cb.State != stored.State {
		return nil, f.fail(fmt.Errorf("state mismatch: possible CSRF attempt"))
	}

	var envelope exchangeEnvelope
	req := exchangeRequest{
		Provider:    string(stored.Provider),
		Code:        cb.Code,
		State:       cb.State,
		RedirectURI: f.redirectURI,
	}
	if err := f.client.Post(ctx, "/auth/oauth/callback", req, &envelope); err != nil {
		return nil, f.fail(fmt.Errorf("code exchange failed: %w", err))
	}

	// 成功と判定する前に、確立されたCookieから資格情報が
	// 実際に取り出せることを確認する
	credential, err := f.tokens.Credential(ctx)
	if err != nil {
		return nil, f.fail(fmt.Errorf("failed to verify credential: %w", err))
	}
	if credential == "" {
		return nil, f.fail(fmt.Errorf("session cookie not established after exchange"))
	}

	f.sessions.SetFromExchange(envelope.Data.User, envelope.Data.ExpiresIn)
	f.setState(StateSucceeded)
	if f.metrics != nil {
		f.metrics.RecordHandshake(metrics.HandshakeSucceeded)
	}
	slog.Info("oauth handshake succeeded",
		"provider", stored.Provider,
		"user_id", envelope.Data.User.ID,
	)

	sess := &model.Session{User: envelope.Data.User}
	if envelope.Data.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(envelope.Data.ExpiresIn) * time.Second)
	}
	return sess, nil
}

// fail は失敗状態への遷移とメトリクス記録をまとめる。
func (f *Flow) fail(err error) error {
	f.setState(StateFailed)
	if f.metrics != nil {
		f.metrics.RecordHandshake(metrics.HandshakeFailed)
	}
	slog.Warn("oauth handshake failed", "error", err)
	return err
}

// newHandshakeState はCSPRNGでanti-forgery stateを生成する。
func newHandshakeState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
