package handler

import "html/template"

// コンソールの画面は少数の静的なページのみで構成されるため、
// テンプレートはソースに埋め込み、起動時に1回パースする。

const layoutTemplate = `{{define "layout"}}<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>saifu - {{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; color: #222; }
nav { display: flex; justify-content: space-between; align-items: center; border-bottom: 1px solid #ddd; padding-bottom: .5rem; }
nav .user { display: flex; align-items: center; gap: .5rem; }
nav img { width: 28px; height: 28px; border-radius: 50%; }
.error { color: #b00020; background: #fdecea; padding: .75rem; border-radius: 4px; }
.balance { font-size: 2rem; margin: 1rem 0; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: .4rem; border-bottom: 1px solid #eee; }
form.inline { display: inline; }
.providers a { display: inline-block; margin-right: .5rem; }
</style>
</head>
<body>
<nav>
<strong>saifu</strong>
{{if .User}}<span class="user"><img src="/avatar" alt="">{{.User.Username}}
<form class="inline" method="post" action="/logout">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit">ログアウト</button>
</form></span>{{end}}
</nav>
{{template "content" .}}
</body>
</html>{{end}}`

const loginTemplate = `{{define "content"}}
<h1>ログイン</h1>
{{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="hidden" name="next" value="{{.Next}}">
<p><label>メールアドレス <input type="email" name="email" required></label></p>
<p><label>パスワード <input type="password" name="password" required></label></p>
<p><button type="submit">ログイン</button></p>
</form>
<div class="providers">
<p>または:</p>
<a href="/auth/google/start">Googleでログイン</a>
<a href="/auth/github/start">GitHubでログイン</a>
</div>
{{end}}`

const dashboardTemplate = `{{define "content"}}
<h1>ダッシュボード</h1>
{{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
{{if .Balance}}<p class="balance">{{.Balance.Amount}} {{.Balance.Currency}}</p>{{end}}
<h2>最近の取引</h2>
{{if .Transactions}}
<table>
<tr><th>種別</th><th>金額</th><th>相手</th><th>日時</th></tr>
{{range .Transactions}}
<tr><td>{{.Kind}}</td><td>{{.Amount}} {{.Currency}}</td><td>{{.Counterparty}}</td><td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td></tr>
{{end}}
</table>
{{else}}<p>取引はまだありません。</p>{{end}}
{{end}}`

const authErrorTemplate = `{{define "content"}}
<h1>ログインに失敗しました</h1>
{{if .ErrorMessage}}<p class="error">{{.ErrorMessage}}</p>{{end}}
<p><a href="/login">ログイン画面に戻る</a> <a href="/">ホームへ戻る</a></p>
{{end}}`

const placeholderTemplate = `{{define "content"}}
<meta http-equiv="refresh" content="1">
<p>セッションを確認しています...</p>
{{end}}`

// templateSet は全画面のパース済みテンプレートを保持する。
type templateSet struct {
	login       *template.Template
	dashboard   *template.Template
	authError   *template.Template
	placeholder *template.Template
}

// newTemplateSet は全テンプレートをパースする。
// テンプレートはソース埋め込みの定数のため、パース失敗はプログラミング
// エラーでありpanicさせる。
func newTemplateSet() *templateSet {
	parse := func(content string) *template.Template {
		return template.Must(template.New("page").Parse(layoutTemplate + content))
	}
	return &templateSet{
		login:       parse(loginTemplate),
		dashboard:   parse(dashboardTemplate),
		authError:   parse(authErrorTemplate),
		placeholder: parse(placeholderTemplate),
	}
}
