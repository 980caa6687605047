// Package guard はルートごとの認証要否とセッション状態から
// 画面遷移の判定を行う純粋なポリシーを提供する。
package guard

import (
	"net/url"

	"github.com/hitoshi/saifu/internal/session"
)

// Route は判定対象のルート属性。
type Route struct {
	// Path はリクエストされたパス（next=の保存に使う）。
	Path string
	// RequiresAuth は認証済みセッションを要求するルートを示す。
	RequiresAuth bool
	// AuthOnly は未認証時のみ表示するルート（ログイン画面等）を示す。
	AuthOnly bool
}

// Action は判定結果の種別。
type Action int

const (
	// ActionAllow はそのまま表示してよいことを示す。
	ActionAllow Action = iota
	// ActionPlaceholder はセッション確認中のためプレースホルダーを
	// 表示すべきことを示す。リダイレクトはまだ行わない。
	ActionPlaceholder
	// ActionRedirect はTargetへのリダイレクトを示す。
	ActionRedirect
)

// Decision はルート判定の結果。
type Decision struct {
	Action Action
	// Target はActionRedirectの場合の遷移先。
	Target string
}

// Policy はリダイレクト先を保持する。内部状態は持たない。
type Policy struct {
	// LoginPath は認証が必要なルートへ未認証でアクセスした際の遷移先。
	LoginPath string
	// LandingPath は認証済みユーザーをAuthOnlyルートから逃がす遷移先。
	LandingPath string
}

// DefaultPolicy は標準の遷移先を持つPolicyを返す。
func DefaultPolicy() Policy {
	return Policy{
		LoginPath:   "/login",
		LandingPath: "/dashboard",
	}
}

// Decide はルート属性とセッションスナップショットから遷移判定を返す。
// セッション確認中は判定を保留し（Placeholder）、確定後にのみ
// リダイレクトを指示する。
func (p Policy) Decide(route Route, snap session.Snapshot) Decision {
	if snap.Loading {
		return Decision{Action: ActionPlaceholder}
	}

	authenticated := snap.Session != nil

	if route.RequiresAuth && !authenticated {
		return Decision{Action: ActionRedirect, Target: p.loginTarget(route.Path)}
	}

	if route.AuthOnly && authenticated {
		return Decision{Action: ActionRedirect, Target: p.LandingPath}
	}

	return Decision{Action: ActionAllow}
}

// loginTarget は元のパスをnext=に載せたログイン画面URLを組み立てる。
func (p Policy) loginTarget(path string) string {
	if path == "" || path == p.LoginPath {
		return p.LoginPath
	}
	return p.LoginPath + "?next=" + url.QueryEscape(path)
}
