package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/saifu/internal/guard"
	"github.com/hitoshi/saifu/internal/middleware"
	"github.com/hitoshi/saifu/internal/model"
	"github.com/hitoshi/saifu/internal/oauth"
	"github.com/hitoshi/saifu/internal/security"
	"github.com/hitoshi/saifu/internal/session"
	"github.com/hitoshi/saifu/internal/wallet"
)

// --- モック定義 ---

type mockSessions struct {
	snap    session.Snapshot
	loginFn func(ctx context.Context, email, password string) error

	loggedOut bool
}

func (m *mockSessions) Snapshot() session.Snapshot { return m.snap }

func (m *mockSessions) Login(ctx context.Context, email, password string) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessions) Logout(ctx context.Context) { m.loggedOut = true }

type mockWallet struct {
	balance *wallet.Balance
	txs     []wallet.Transaction
	err     error
}

func (m *mockWallet) Balance(ctx context.Context) (*wallet.Balance, error) {
	return m.balance, m.err
}

func (m *mockWallet) RecentTransactions(ctx context.Context, limit int) ([]wallet.Transaction, error) {
	return m.txs, m.err
}

type mockFlow struct {
	beginURL    string
	beginErr    error
	completeErr error

	completedWith *oauth.Callback
}

func (m *mockFlow) Begin(ctx context.Context, provider model.Provider) (string, error) {
	return m.beginURL, m.beginErr
}

func (m *mockFlow) Complete(ctx context.Context, cb oauth.Callback) (*model.Session, error) {
	m.completedWith = &cb
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &model.Session{User: model.User{ID: 1}}, nil
}

var (
	_ SessionServiceInterface = (*mockSessions)(nil)
	_ WalletServiceInterface  = (*mockWallet)(nil)
	_ OAuthFlowInterface      = (*mockFlow)(nil)
)

func authenticatedSnap() session.Snapshot {
	return session.Snapshot{Session: &model.Session{User: model.User{ID: 1, Username: "alice"}}}
}

func newTestRouter(sessions *mockSessions, walletService *mockWallet, flow *mockFlow) http.Handler {
	return NewRouter(&RouterDeps{
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Sessions:  sessions,
		Wallet:    walletService,
		Flow:      flow,
		Guard:     guard.DefaultPolicy(),
		Egress:    security.NewEgressGuard(),
		Sanitizer: security.NewTextSanitizer(),
		Avatar:    AvatarHandlerConfig{MaxSize: 1 << 20, Timeout: time.Second},
	})
}

func withCSRF(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok-test"})
	return req
}

func csrfForm(values url.Values) url.Values {
	values.Set(middleware.CSRFFormField, "tok-test")
	return values
}

// --- ルートガード ---

func TestRouter_UnauthenticatedDashboardRedirectsToLogin(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?next=%2Fdashboard" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRouter_LoadingSessionShowsPlaceholder(t *testing.T) {
	sessions := &mockSessions{snap: session.Snapshot{Loading: true}}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "セッションを確認しています") {
		t.Error("placeholder page should be rendered while loading")
	}
}

func TestRouter_AuthenticatedLoginPageRedirectsToDashboard(t *testing.T) {
	sessions := &mockSessions{snap: authenticatedSnap()}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q", loc)
	}
}

// --- ログイン ---

func TestRouter_LoginPageRendersForm(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `name="email"`) || !strings.Contains(body, `name="password"`) {
		t.Error("login form fields missing")
	}
	if !strings.Contains(body, "/auth/google/start") || !strings.Contains(body, "/auth/github/start") {
		t.Error("provider links missing")
	}
}

func TestRouter_LoginSuccessRedirects(t *testing.T) {
	sessions := &mockSessions{}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	form := csrfForm(url.Values{"email": {"a@b.com"}, "password": {"secret"}})
	req := withCSRF(httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRouter_LoginHonorsNextTarget(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	form := csrfForm(url.Values{
		"email":    {"a@b.com"},
		"password": {"secret"},
		"next":     {"/dashboard"},
	})
	req := withCSRF(httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRouter_LoginRejectsExternalNext(t *testing.T) {
	// オープンリダイレクト防止: 外部URLのnextは無視される
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	form := csrfForm(url.Values{
		"email":    {"a@b.com"},
		"password": {"secret"},
		"next":     {"https://evil.example/phish"},
	})
	req := withCSRF(httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("external next must be ignored, Location = %q", loc)
	}
}

func TestRouter_LoginFailureShowsError(t *testing.T) {
	sessions := &mockSessions{
		loginFn: func(ctx context.Context, email, password string) error {
			return model.NewHTTPError(401, "invalid credentials", "")
		},
	}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	form := csrfForm(url.Values{"email": {"a@b.com"}, "password": {"wrong"}})
	req := withCSRF(httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ログインに失敗しました") {
		t.Error("error message should be rendered")
	}
}

// --- ダッシュボード ---

func TestRouter_DashboardRendersBalanceAndTransactions(t *testing.T) {
	sessions := &mockSessions{snap: authenticatedSnap()}
	walletService := &mockWallet{
		balance: &wallet.Balance{Currency: "JPY", Amount: "12500"},
		txs: []wallet.Transaction{
			{ID: 1, Kind: "deposit", Amount: "500", Currency: "JPY", CreatedAt: time.Now()},
		},
	}
	router := newTestRouter(sessions, walletService, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "12500 JPY") {
		t.Error("balance should be rendered")
	}
	if !strings.Contains(body, "deposit") {
		t.Error("transactions should be rendered")
	}
	if !strings.Contains(body, "alice") {
		t.Error("username should appear in the nav")
	}
}

func TestRouter_DashboardDegradesWhenWalletUnavailable(t *testing.T) {
	sessions := &mockSessions{snap: authenticatedSnap()}
	walletService := &mockWallet{err: errors.New("backend down")}
	router := newTestRouter(sessions, walletService, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "残高を取得できませんでした") {
		t.Error("degraded message should be rendered")
	}
}

// --- ログアウト ---

func TestRouter_LogoutRedirectsToLogin(t *testing.T) {
	sessions := &mockSessions{snap: authenticatedSnap()}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	form := csrfForm(url.Values{})
	req := withCSRF(httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if !sessions.loggedOut {
		t.Error("Logout should be invoked")
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRouter_LogoutWithoutCSRFTokenIsForbidden(t *testing.T) {
	sessions := &mockSessions{snap: authenticatedSnap()}
	router := newTestRouter(sessions, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if sessions.loggedOut {
		t.Error("Logout must not run without CSRF validation")
	}
}

// --- OAuth ---

func TestRouter_AuthStartRedirectsToProvider(t *testing.T) {
	flow := &mockFlow{beginURL: "https://accounts.google.com/o/oauth2/auth?state=abc"}
	router := newTestRouter(&mockSessions{}, &mockWallet{}, flow)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/start", nil))

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://accounts.google.com/") {
		t.Errorf("Location = %q", loc)
	}
}

func TestRouter_AuthStartUnknownProviderIs404(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/facebook/start", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_CallbackSuccessRedirectsToDashboard(t *testing.T) {
	flow := &mockFlow{}
	router := newTestRouter(&mockSessions{}, &mockWallet{}, flow)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=c1&state=s1", nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q", loc)
	}
	if flow.completedWith == nil || flow.completedWith.Code != "c1" || flow.completedWith.State != "s1" {
		t.Errorf("callback params not forwarded: %+v", flow.completedWith)
	}
}

func TestRouter_CallbackFailureRendersSanitizedError(t *testing.T) {
	flow := &mockFlow{completeErr: errors.New("provider returned error: access_denied")}
	router := newTestRouter(&mockSessions{}, &mockWallet{}, flow)

	target := "/auth/callback?error=access_denied&error_description=" +
		url.QueryEscape(`user denied<script>alert(1)</script>`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "user denied") {
		t.Error("sanitized description should be rendered")
	}
	if strings.Contains(body, "<script>") {
		t.Error("script tags must be stripped from provider text")
	}
	// 失敗画面は再試行とホームへの離脱の両方を提示する
	if !strings.Contains(body, `href="/login"`) {
		t.Error("error page should link back to the login page")
	}
	if !strings.Contains(body, `href="/"`) {
		t.Error("error page should link back to home")
	}
}

// --- その他 ---

func TestRouter_HomeRedirectsBySessionState(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("unauthenticated / should go to /login, got %q", loc)
	}

	router = newTestRouter(&mockSessions{snap: authenticatedSnap()}, &mockWallet{}, &mockFlow{})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if loc := rec.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("authenticated / should go to /dashboard, got %q", loc)
	}
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockWallet{}, &mockFlow{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be applied to all routes")
	}
}
