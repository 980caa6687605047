package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/saifu/internal/middleware"
	"github.com/hitoshi/saifu/internal/model"
	"github.com/hitoshi/saifu/internal/oauth"
	"github.com/hitoshi/saifu/internal/security"
)

// OAuthFlowInterface は認証ハンドラーが必要とするハンドシェイク操作。
type OAuthFlowInterface interface {
	Begin(ctx context.Context, provider model.Provider) (string, error)
	Complete(ctx context.Context, cb oauth.Callback) (*model.Session, error)
}

// AuthHandler はOAuthハンドシェイクのHTTPハンドラー。
type AuthHandler struct {
	flow      OAuthFlowInterface
	sanitizer security.TextSanitizerService
	templates *templateSet
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(flow OAuthFlowInterface, sanitizer security.TextSanitizerService) *AuthHandler {
	return &AuthHandler{
		flow:      flow,
		sanitizer: sanitizer,
		templates: newTemplateSet(),
	}
}

// Start はOAuthハンドシェイクを開始し、プロバイダーの認可URLへリダイレクトする。
// GET /auth/{provider}/start
func (h *AuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	authorizeURL, err := h.flow.Begin(r.Context(), provider)
	if err != nil {
		slog.Error("failed to begin oauth handshake",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		h.renderError(w, r, "認証を開始できませんでした")
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusTemporaryRedirect)
}

// Callback はプロバイダーからのリダイレクトを処理する。
// GET /auth/callback?code=xxx&state=yyy
// GET /auth/callback?error=access_denied&error_description=...
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cb := oauth.Callback{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		ErrorCode:        query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	if _, err := h.flow.Complete(r.Context(), cb); err != nil {
		// プロバイダー由来の文字列は画面に出す前にサニタイズする
		message := "ログインに失敗しました"
		if cb.ErrorDescription != "" {
			if sanitized := h.sanitizer.Sanitize(cb.ErrorDescription); sanitized != "" {
				message = sanitized
			}
		}
		h.renderError(w, r, message)
		return
	}

	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// ErrorPage は認証エラー画面を表示する。
// GET /auth/error
func (h *AuthHandler) ErrorPage(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Title:     "認証エラー",
		CSRFToken: middleware.CSRFToken(r),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.authError.ExecuteTemplate(w, "layout", data); err != nil {
		slog.Error("failed to render template", "error", err)
	}
}

func (h *AuthHandler) renderError(w http.ResponseWriter, r *http.Request, message string) {
	data := pageData{
		Title:        "認証エラー",
		CSRFToken:    middleware.CSRFToken(r),
		ErrorMessage: message,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	if err := h.templates.authError.ExecuteTemplate(w, "layout", data); err != nil {
		slog.Error("failed to render template", "error", err)
	}
}
