// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// User はウォレットプラットフォームの認証済みユーザーを表す。
// バックエンドから受け取ったスナップショットであり、フィールド単位で
// 更新せず常に丸ごと置き換える。
type User struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	AvatarURL  string    `json:"avatar,omitempty"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Session は現在ログイン中のユーザーとその有効期限を表す。
// session.Storeだけが所有し、ログイン・ログアウト・リフレッシュ・
// OAuthコールバック完了のいずれかでのみ置き換えられる。
// ExpiresAtがゼロ値の場合は有効期限不明（validate経由のブートストラップ）を意味する。
type Session struct {
	User      User
	ExpiresAt time.Time
}

// Provider はOAuth認証プロバイダーを表す。
type Provider string

const (
	// ProviderGoogle はGoogle OAuthを示す。
	ProviderGoogle Provider = "google"
	// ProviderGitHub はGitHub OAuthを示す。
	ProviderGitHub Provider = "github"
)

// ParseProvider は文字列をProviderに変換する。
// サポート外のプロバイダーはエラーを返す。
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle, ProviderGitHub:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unsupported oauth provider: %q", s)
	}
}

// Handshake はOAuthリダイレクトとコールバックを紐付けるCSRF対策トークン。
// リダイレクト前に保存され、コールバック時に成否を問わず1回だけ消費される。
type Handshake struct {
	State    string
	Provider Provider
}
