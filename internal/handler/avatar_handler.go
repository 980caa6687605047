package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/saifu/internal/security"
	"github.com/hitoshi/saifu/internal/session"
)

// AvatarHandlerConfig はアバタープロキシの設定。
type AvatarHandlerConfig struct {
	// MaxSize は許容する画像の最大バイト数。
	MaxSize int64
	// Timeout は外部フェッチのタイムアウト。
	Timeout time.Duration
}

// AvatarHandler はプロバイダーのアバター画像を代理取得する。
// 画面は外部ホストから直接画像を読まず、このプロキシ経由で取得する
// ことでCSPのimg-srcを自ホストに限定できる。
type AvatarHandler struct {
	sessions interface{ Snapshot() session.Snapshot }
	client   *http.Client
	guard    security.EgressGuardService
	maxSize  int64
}

// NewAvatarHandler はAvatarHandlerを生成する。
// 外部フェッチにはSSRF防止付きクライアントを使用する。
func NewAvatarHandler(sessions SessionServiceInterface, guard security.EgressGuardService, config AvatarHandlerConfig) *AvatarHandler {
	return &AvatarHandler{
		sessions: sessions,
		client:   guard.NewSafeClient(config.Timeout),
		guard:    guard,
		maxSize:  config.MaxSize,
	}
}

// Serve は現在のユーザーのアバター画像を返す。
// GET /avatar
func (h *AvatarHandler) Serve(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Snapshot()
	if snap.Session == nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	avatarURL := snap.Session.User.AvatarURL
	if avatarURL == "" {
		http.NotFound(w, r)
		return
	}

	// フェッチ前の静的検証。DNS再バインディングはクライアント側の
	// Dialer検証で防止される。
	if err := h.guard.ValidateURL(avatarURL); err != nil {
		slog.Warn("blocked avatar URL", "error", err)
		http.NotFound(w, r)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, avatarURL, nil)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		slog.Warn("failed to fetch avatar", "error", err)
		http.NotFound(w, r)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		http.NotFound(w, r)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		slog.Warn("avatar response is not an image", "content_type", contentType)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, io.LimitReader(resp.Body, h.maxSize)); err != nil {
		slog.Warn("failed to stream avatar", "error", err)
	}
}
