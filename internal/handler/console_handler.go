// Package handler はコンソール画面のHTTPハンドラーを提供する。
package handler

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/saifu/internal/middleware"
	"github.com/hitoshi/saifu/internal/model"
	"github.com/hitoshi/saifu/internal/session"
	"github.com/hitoshi/saifu/internal/wallet"
)

// recentTransactionLimit はダッシュボードに表示する取引件数。
const recentTransactionLimit = 10

// SessionServiceInterface はコンソールハンドラーが必要とするセッション操作。
type SessionServiceInterface interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context)
}

// WalletServiceInterface はダッシュボードが必要とするウォレット読み出し。
type WalletServiceInterface interface {
	Balance(ctx context.Context) (*wallet.Balance, error)
	RecentTransactions(ctx context.Context, limit int) ([]wallet.Transaction, error)
}

// pageData はテンプレートに渡す共通データ。
type pageData struct {
	Title        string
	User         *model.User
	CSRFToken    string
	ErrorMessage string
	Next         string
	Balance      *wallet.Balance
	Transactions []wallet.Transaction
}

// ConsoleHandler はログイン画面とダッシュボードのハンドラー。
type ConsoleHandler struct {
	sessions  SessionServiceInterface
	wallet    WalletServiceInterface
	templates *templateSet
}

// NewConsoleHandler はConsoleHandlerを生成する。
func NewConsoleHandler(sessions SessionServiceInterface, walletService WalletServiceInterface) *ConsoleHandler {
	return &ConsoleHandler{
		sessions:  sessions,
		wallet:    walletService,
		templates: newTemplateSet(),
	}
}

// Home はセッション状態に応じてダッシュボードかログイン画面へ振り分ける。
// GET /
func (h *ConsoleHandler) Home(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	if snap.Session != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// LoginPage はログインフォームを表示する。
// GET /login
func (h *ConsoleHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.renderLogin(w, r, "", http.StatusOK)
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *ConsoleHandler) Login(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		h.renderLogin(w, r, "メールアドレスとパスワードを入力してください", http.StatusBadRequest)
		return
	}

	if err := h.sessions.Login(r.Context(), email, password); err != nil {
		message := "ログインに失敗しました"
		if apiErr, ok := model.AsAPIError(err); ok && apiErr.IsNetworkError() {
			message = "サーバーに接続できませんでした"
		}
		h.renderLogin(w, r, message, http.StatusUnauthorized)
		return
	}

	http.Redirect(w, r, nextTarget(r.PostFormValue("next")), http.StatusSeeOther)
}

// Dashboard は残高と直近の取引を表示する。
// GET /dashboard
func (h *ConsoleHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	data := pageData{
		Title:     "ダッシュボード",
		CSRFToken: middleware.CSRFToken(r),
	}
	if snap.Session != nil {
		data.User = &snap.Session.User
	}

	balance, err := h.wallet.Balance(r.Context())
	if err != nil {
		slog.Warn("failed to load balance", "error", err)
		data.ErrorMessage = "残高を取得できませんでした"
	} else {
		data.Balance = balance
	}

	txs, err := h.wallet.RecentTransactions(r.Context(), recentTransactionLimit)
	if err != nil {
		slog.Warn("failed to load transactions", "error", err)
	} else {
		data.Transactions = txs
	}

	h.render(w, h.templates.dashboard, data, http.StatusOK)
}

// Logout はセッションを破棄してログイン画面へ戻す。
// POST /logout
func (h *ConsoleHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// Placeholder はセッション確認中の画面を表示する。
func (h *ConsoleHandler) Placeholder(w http.ResponseWriter, r *http.Request) {
	h.render(w, h.templates.placeholder, pageData{Title: "確認中"}, http.StatusOK)
}

func (h *ConsoleHandler) renderLogin(w http.ResponseWriter, r *http.Request, errorMessage string, status int) {
	data := pageData{
		Title:        "ログイン",
		CSRFToken:    middleware.CSRFToken(r),
		ErrorMessage: errorMessage,
		Next:         nextFromQuery(r),
	}
	h.render(w, h.templates.login, data, status)
}

func (h *ConsoleHandler) render(w http.ResponseWriter, tmpl *template.Template, data pageData, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		slog.Error("failed to render template", "error", err)
	}
}

// nextFromQuery はクエリのnext=を検証して返す。
// オープンリダイレクト防止のため同一ホストの絶対パスのみ許可する。
func nextFromQuery(r *http.Request) string {
	return safeNext(r.URL.Query().Get("next"))
}

// nextTarget はログイン成功後の遷移先を決める。
func nextTarget(next string) string {
	if target := safeNext(next); target != "" {
		return target
	}
	return "/dashboard"
}

// safeNext は遷移先パスとして安全な値のみ通す。
func safeNext(next string) string {
	if next == "" {
		return ""
	}
	parsed, err := url.Parse(next)
	if err != nil {
		return ""
	}
	// 絶対URLやプロトコル相対URL（//evil.example）は拒否する
	if parsed.Scheme != "" || parsed.Host != "" || len(next) == 0 || next[0] != '/' {
		return ""
	}
	return next
}
