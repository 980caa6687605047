// Package session は認証済みアイデンティティのライフサイクルを管理する。
//
// Storeはアプリケーション内で唯一のセッションセルを保持し、ログイン・
// ログアウト・リフレッシュ・ブートストラップの各操作を提供する。
// 状態変化は購読者へ同期的に発行され、RouteGuardやUIが再評価する。
// グローバル変数ではなく注入可能なインスタンスとして扱うこと。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/saifu/internal/metrics"
	"github.com/hitoshi/saifu/internal/model"
)

// APIClient はStoreが必要とするAPIクライアントのインターフェース。
// api.Clientの部分集合として定義する。
type APIClient interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// Snapshot は購読者へ発行されるセッション状態のスナップショット。
type Snapshot struct {
	// Session は現在のセッション。未認証の場合はnil。
	Session *model.Session
	// Loading はいずれかの操作が実行中の間true。
	Loading bool
	// LastError は直近のログイン失敗のユーザー向けメッセージ。
	LastError string
}

// authEnvelope はログイン・リフレッシュ・コード交換系エンドポイントのレスポンス形式。
type authEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		User      model.User `json:"user"`
		ExpiresIn int        `json:"expires_in"`
	} `json:"data"`
}

// validateEnvelope は/auth/validate（"who am I"）のレスポンス形式。
type validateEnvelope struct {
	Message string     `json:"message"`
	User    model.User `json:"user"`
}

// loginRequest は/auth/loginのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Store はセッションセルの唯一の所有者。
//
// セッションを変更する操作は単調増加する世代カウンタを取って開始される。
// 操作の完了時、より新しい世代の操作が既に状態を書き込んでいた場合は
// 結果を破棄する。これにより、最終的に観測される状態は「完了した操作の
// うち最も後に開始されたもの」の結果と一致する。
type Store struct {
	client  APIClient
	metrics metrics.MetricsCollector

	mu        sync.Mutex
	session   *model.Session
	inflight  int
	lastErr   string
	gen       uint64 // 最後に開始された操作の世代
	applied   uint64 // 最後に状態を書き込んだ操作の世代
	subs      map[int]func(Snapshot)
	nextSubID int
}

// NewStore はStoreを生成する。metricsはnil可。
func NewStore(client APIClient, m metrics.MetricsCollector) *Store {
	return &Store{
		client:  client,
		metrics: m,
		subs:    make(map[int]func(Snapshot)),
	}
}

// Current は現在のセッションを返す。未認証の場合はnil。
func (s *Store) Current() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Loading はいずれかの操作が実行中かどうかを返す。
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// LastError は直近のログイン失敗メッセージを返す。
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot は現在の状態のスナップショットを返す。
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe は状態変化の購読を登録し、購読解除関数を返す。
// コールバックは状態が変化するたびに同期的に呼び出される。
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Bootstrap は起動時に"who am I"を問い合わせて現在のセッションを復元する。
// 401は「未ログイン」の正常系として扱いエラーを返さない。その他の失敗も
// ログに記録した上で未認証として解決し、UIを無期限にブロックしない。
func (s *Store) Bootstrap(ctx context.Context) error {
	g := s.begin()
	var apply func()
	defer func() { s.complete(ctx, g, apply) }()

	var envelope validateEnvelope
	if err := s.client.Get(ctx, "/auth/validate", &envelope); err != nil {
		if apiErr, ok := model.AsAPIError(err); ok && apiErr.IsUnauthorized() {
			// 未ログインは想定内
			apply = func() { s.setSessionLocked(nil) }
			return nil
		}
		slog.Warn("session bootstrap failed; resolving as unauthenticated",
			slog.String("error", err.Error()),
		)
		apply = func() { s.setSessionLocked(nil) }
		return nil
	}

	if envelope.User.ID == 0 {
		apply = func() { s.setSessionLocked(nil) }
		return nil
	}

	sess := &model.Session{User: envelope.User}
	apply = func() { s.setSessionLocked(sess) }
	return nil
}

// Login はメールアドレスとパスワードでログインする。
// 成功時はセッションを丸ごと置き換える。失敗時はユーザー向けエラーを
// 記録した上でエラーを返し、呼び出し側（フォーム）が対処する。
// ローディングフラグは成否に関わらず必ず解除される。
func (s *Store) Login(ctx context.Context, email, password string) error {
	g := s.begin()
	var apply func()
	defer func() { s.complete(ctx, g, apply) }()

	var envelope authEnvelope
	err := s.client.Post(ctx, "/auth/login", loginRequest{Email: email, Password: password}, &envelope)
	if err != nil {
		// エラーメッセージはセッションセルの一部ではないため世代ガードの
		// 外で書き込む。401フックのInvalidateが同一リクエスト内で
		// より新しい世代を取得してもメッセージは失われない
		if ctx == nil || ctx.Err() == nil {
			s.setLastError(userMessage(err))
		}
		return err
	}

	sess := sessionFromEnvelope(&envelope)
	apply = func() {
		s.setSessionLocked(sess)
		s.lastErr = ""
	}
	return nil
}

// Logout はバックエンドのログアウトエンドポイントをベストエフォートで呼び出し、
// ローカルのセッションを無条件に破棄する。サーバー呼び出しが失敗しても
// クライアントが認証済みと思い込んだままになってはならないため、
// エラーはログに記録するだけで呼び出し側には返さない。
func (s *Store) Logout(ctx context.Context) {
	g := s.begin()
	var apply func()
	// ログアウトのローカル破棄はコンテキスト破棄後でも必ず適用する
	defer func() { s.complete(nil, g, apply) }()

	if err := s.client.Post(ctx, "/auth/logout", nil, nil); err != nil {
		slog.Warn("logout request failed; clearing session locally anyway",
			slog.String("error", err.Error()),
		)
	}

	apply = func() {
		s.setSessionLocked(nil)
		s.lastErr = ""
	}
}

// Refresh はリフレッシュエンドポイントで新しいセッションへ交換する。
// 失敗時はセッションを破棄してエラーを返す。リフレッシュ失敗は
// ログアウト状態として扱う必要があるため。
func (s *Store) Refresh(ctx context.Context) error {
	g := s.begin()
	var apply func()
	defer func() { s.complete(ctx, g, apply) }()

	var envelope authEnvelope
	if err := s.client.Post(ctx, "/auth/refresh", nil, &envelope); err != nil {
		apply = func() { s.setSessionLocked(nil) }
		return err
	}

	sess := sessionFromEnvelope(&envelope)
	apply = func() { s.setSessionLocked(sess) }
	return nil
}

// SetFromExchange はOAuthコード交換の成功結果からセッションを設定する。
// oauth.Flowからのみ呼び出される。
func (s *Store) SetFromExchange(user model.User, expiresIn int) {
	g := s.begin()
	s.complete(nil, g, func() {
		sess := &model.Session{User: user}
		if expiresIn > 0 {
			sess.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
		}
		s.setSessionLocked(sess)
		s.lastErr = ""
	})
}

// Invalidate はサーバーを呼び出さずにローカルのセッションを破棄する。
// 認証済みエンドポイントから401を受信した際の一元化されたフックとして
// api.Clientから呼び出される。
func (s *Store) Invalidate() {
	g := s.begin()
	s.complete(nil, g, func() { s.setSessionLocked(nil) })
}

// --- 内部ヘルパー ---

// begin は操作の開始を記録する。新しい世代番号を払い出し、
// ローディング状態の変化を購読者へ発行する。
func (s *Store) begin() uint64 {
	s.mu.Lock()
	s.gen++
	g := s.gen
	s.inflight++
	subs, snap := s.publishTargetsLocked()
	s.mu.Unlock()

	notify(subs, snap)
	return g
}

// complete は操作の完了を記録する。applyは以下のすべてを満たす場合のみ
// 実行される（ロック保持下で状態を書き換える）:
//   - より新しい世代の操作が状態を書き込んでいない（古い結果の破棄）
//   - ctxが破棄されていない（ctxがnilの場合は無条件に適用）
func (s *Store) complete(ctx context.Context, g uint64, apply func()) {
	s.mu.Lock()
	s.inflight--

	stale := g < s.applied
	canceled := ctx != nil && ctx.Err() != nil
	if apply != nil && !stale && !canceled {
		apply()
		s.applied = g
	}

	subs, snap := s.publishTargetsLocked()
	s.mu.Unlock()

	notify(subs, snap)
}

// setLastError はユーザー向けエラーメッセージを記録する。
// 世代ガードを通さないため、並行する操作に破棄されない。
// 発行はその後のcompleteが行う。
func (s *Store) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// setSessionLocked はセッションセルを置き換える。s.muの保持下で呼び出すこと。
func (s *Store) setSessionLocked(sess *model.Session) {
	s.session = sess
	if s.metrics != nil {
		s.metrics.RecordSessionChange(sess != nil)
	}
}

// snapshotLocked は現在状態のスナップショットを構築する。s.muの保持下で呼び出すこと。
func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Session:   s.session,
		Loading:   s.inflight > 0,
		LastError: s.lastErr,
	}
}

// publishTargetsLocked は購読者一覧のコピーとスナップショットを返す。
// コールバック実行中のデッドロックを避けるため、通知はロック解放後に行う。
func (s *Store) publishTargetsLocked() ([]func(Snapshot), Snapshot) {
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs, s.snapshotLocked()
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

// sessionFromEnvelope は認証レスポンスからセッションを構築する。
func sessionFromEnvelope(envelope *authEnvelope) *model.Session {
	sess := &model.Session{User: envelope.Data.User}
	if envelope.Data.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(envelope.Data.ExpiresIn) * time.Second)
	}
	return sess
}

// userMessage はエラーからユーザー向けメッセージを取り出す。
// APIErrorのメッセージはバックエンドの検証エラーをそのまま表示する。
func userMessage(err error) string {
	if apiErr, ok := model.AsAPIError(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
