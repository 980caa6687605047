package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/saifu/internal/model"
)

// --- モック定義 ---

type mockAPIClient struct {
	getFn  func(ctx context.Context, path string, out any) error
	postFn func(ctx context.Context, path string, body, out any) error

	mu    sync.Mutex
	calls []string
}

func (m *mockAPIClient) Get(ctx context.Context, path string, out any) error {
	m.record(path)
	if m.getFn != nil {
		return m.getFn(ctx, path, out)
	}
	return nil
}

func (m *mockAPIClient) Post(ctx context.Context, path string, body, out any) error {
	m.record(path)
	if m.postFn != nil {
		return m.postFn(ctx, path, body, out)
	}
	return nil
}

func (m *mockAPIClient) record(path string) {
	m.mu.Lock()
	m.calls = append(m.calls, path)
	m.mu.Unlock()
}

var _ APIClient = (*mockAPIClient)(nil)

// decodeInto はモック内でJSON文字列をoutへ書き込むヘルパー。
func decodeInto(t *testing.T, raw string, out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		t.Fatalf("failed to decode mock payload: %v", err)
	}
}

// --- テスト ---

func TestLogin_Success(t *testing.T) {
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			decodeInto(t, `{"message":"ok","data":{"user":{"id":1,"email":"a@b.com","username":"alice","provider":"local","is_active":true},"expires_in":3600}}`, out)
			return nil
		},
	}
	store := NewStore(client, nil)

	if err := store.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() returned error: %v", err)
	}

	sess := store.Current()
	if sess == nil {
		t.Fatal("expected non-nil session after login")
	}
	if sess.User.ID != 1 || sess.User.Email != "a@b.com" {
		t.Errorf("unexpected user: %+v", sess.User)
	}
	if sess.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set from expires_in")
	}
	if store.Loading() {
		t.Error("loading flag should be false after login completes")
	}
}

func TestLogin_FailureRecordsErrorAndReturnsIt(t *testing.T) {
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			return model.NewHTTPError(401, "invalid credentials", "")
		},
	}
	store := NewStore(client, nil)

	err := store.Login(context.Background(), "a@b.com", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}

	if store.Current() != nil {
		t.Error("session should stay nil after failed login")
	}
	if store.LastError() != "invalid credentials" {
		t.Errorf("LastError = %q, want %q", store.LastError(), "invalid credentials")
	}
	if store.Loading() {
		t.Error("loading flag should be cleared even on failure")
	}
}

func TestLogin_FailureRecordsErrorEvenWhenHookInvalidates(t *testing.T) {
	// APIクライアントの401フックはリクエストの処理中に同期的に
	// Invalidateを呼ぶ。Invalidateがより新しい世代を先に適用しても、
	// ログイン失敗のメッセージは残らなければならない
	var store *Store
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			store.Invalidate()
			return model.NewHTTPError(401, "invalid credentials", "")
		},
	}
	store = NewStore(client, nil)

	if err := store.Login(context.Background(), "a@b.com", "wrong"); err == nil {
		t.Fatal("expected error")
	}
	if store.LastError() != "invalid credentials" {
		t.Errorf("LastError = %q, want %q", store.LastError(), "invalid credentials")
	}
	if store.Current() != nil {
		t.Error("session should stay nil")
	}
}

func TestBootstrap_UnauthorizedIsNotAnError(t *testing.T) {
	client := &mockAPIClient{
		getFn: func(ctx context.Context, path string, out any) error {
			return model.NewHTTPError(401, "unauthorized", "")
		},
	}
	store := NewStore(client, nil)

	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() should swallow 401, got: %v", err)
	}
	if store.Current() != nil {
		t.Error("session should be nil after 401 bootstrap")
	}
	if store.Loading() {
		t.Error("loading flag should be false")
	}
	if store.LastError() != "" {
		t.Errorf("no user-facing error expected, got %q", store.LastError())
	}
}

func TestBootstrap_OtherFailuresResolveUnauthenticated(t *testing.T) {
	// 401以外の失敗もUIをブロックせず未認証として解決する
	client := &mockAPIClient{
		getFn: func(ctx context.Context, path string, out any) error {
			return model.NewNetworkError(errors.New("connection refused"))
		},
	}
	store := NewStore(client, nil)

	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() should not surface transport errors, got: %v", err)
	}
	if store.Current() != nil {
		t.Error("session should be nil")
	}
}

func TestBootstrap_Success(t *testing.T) {
	client := &mockAPIClient{
		getFn: func(ctx context.Context, path string, out any) error {
			decodeInto(t, `{"message":"ok","user":{"id":7,"email":"c@d.com","username":"carol","provider":"google","is_active":true}}`, out)
			return nil
		},
	}
	store := NewStore(client, nil)

	if err := store.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() returned error: %v", err)
	}
	sess := store.Current()
	if sess == nil || sess.User.ID != 7 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestLogout_ClearsSessionEvenIfServerCallFails(t *testing.T) {
	loginClient := func() *mockAPIClient {
		return &mockAPIClient{
			postFn: func(ctx context.Context, path string, body, out any) error {
				switch path {
				case "/auth/login":
					decodeInto(t, `{"data":{"user":{"id":1,"email":"a@b.com"},"expires_in":3600}}`, out)
					return nil
				case "/auth/logout":
					return model.NewNetworkError(errors.New("server unreachable"))
				}
				return nil
			},
		}
	}

	store := NewStore(loginClient(), nil)
	if err := store.Login(context.Background(), "a@b.com", "x"); err != nil {
		t.Fatalf("Login() returned error: %v", err)
	}
	if store.Current() == nil {
		t.Fatal("precondition: session should exist")
	}

	store.Logout(context.Background())

	if store.Current() != nil {
		t.Error("session must be nil after logout even when the server call fails")
	}
	if store.Loading() {
		t.Error("loading flag should be false")
	}
}

func TestRefresh_FailureClearsSessionAndReturnsError(t *testing.T) {
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			switch path {
			case "/auth/login":
				decodeInto(t, `{"data":{"user":{"id":1},"expires_in":60}}`, out)
				return nil
			case "/auth/refresh":
				return model.NewHTTPError(401, "refresh token expired", "")
			}
			return nil
		},
	}
	store := NewStore(client, nil)

	store.Login(context.Background(), "a@b.com", "x")
	err := store.Refresh(context.Background())

	if err == nil {
		t.Fatal("expected error from failed refresh")
	}
	if store.Current() != nil {
		t.Error("session should be cleared after failed refresh")
	}
}

func TestRefresh_StaleResultIsDiscarded(t *testing.T) {
	// 2回のRefreshで先に開始された方が後から完了した場合、
	// 最終状態は後に開始された呼び出しの結果と一致する
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	call := 0
	var mu sync.Mutex

	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			mu.Lock()
			call++
			n := call
			mu.Unlock()

			if n == 1 {
				close(firstStarted)
				<-releaseFirst
				decodeInto(t, `{"data":{"user":{"id":100,"username":"stale"},"expires_in":60}}`, out)
				return nil
			}
			decodeInto(t, `{"data":{"user":{"id":200,"username":"fresh"},"expires_in":60}}`, out)
			return nil
		},
	}
	store := NewStore(client, nil)

	done := make(chan struct{})
	go func() {
		store.Refresh(context.Background())
		close(done)
	}()

	<-firstStarted

	// 2回目のRefreshが先に完了する
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() returned error: %v", err)
	}

	close(releaseFirst)
	<-done

	sess := store.Current()
	if sess == nil {
		t.Fatal("expected session")
	}
	if sess.User.ID != 200 {
		t.Errorf("final session user ID = %d, want 200 (later-initiated call)", sess.User.ID)
	}
	if store.Loading() {
		t.Error("loading flag should be false after both calls complete")
	}
}

func TestCanceledContextDoesNotApplyResult(t *testing.T) {
	// コンテキスト破棄後に完了した操作は状態を更新しない
	ctx, cancel := context.WithCancel(context.Background())
	client := &mockAPIClient{
		postFn: func(c context.Context, path string, body, out any) error {
			cancel() // 応答到着前にコンテキストが破棄されたとみなす
			decodeInto(t, `{"data":{"user":{"id":1},"expires_in":60}}`, out)
			return nil
		},
	}
	store := NewStore(client, nil)

	store.Login(ctx, "a@b.com", "x")

	if store.Current() != nil {
		t.Error("result arriving after cancellation must not be applied")
	}
	if store.Loading() {
		t.Error("loading flag should still be cleared")
	}
}

func TestInvalidate_ClearsSessionWithoutServerCall(t *testing.T) {
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			decodeInto(t, `{"data":{"user":{"id":1},"expires_in":60}}`, out)
			return nil
		},
	}
	store := NewStore(client, nil)
	store.Login(context.Background(), "a@b.com", "x")

	before := len(client.calls)
	store.Invalidate()

	if store.Current() != nil {
		t.Error("session should be nil after Invalidate")
	}
	if len(client.calls) != before {
		t.Error("Invalidate must not issue any API call")
	}
}

func TestSubscribe_NotifiesOnEveryChange(t *testing.T) {
	client := &mockAPIClient{
		postFn: func(ctx context.Context, path string, body, out any) error {
			if out != nil { // Logoutはoutにnilを渡す
				decodeInto(t, `{"data":{"user":{"id":1},"expires_in":60}}`, out)
			}
			return nil
		},
	}
	store := NewStore(client, nil)

	var snapshots []Snapshot
	unsubscribe := store.Subscribe(func(snap Snapshot) {
		snapshots = append(snapshots, snap)
	})

	store.Login(context.Background(), "a@b.com", "x")

	// 開始時（ローディング）と完了時の少なくとも2回通知される
	if len(snapshots) < 2 {
		t.Fatalf("expected at least 2 notifications, got %d", len(snapshots))
	}
	if !snapshots[0].Loading {
		t.Error("first notification should report loading")
	}
	last := snapshots[len(snapshots)-1]
	if last.Loading || last.Session == nil {
		t.Errorf("last notification should be settled and authenticated: %+v", last)
	}

	unsubscribe()
	count := len(snapshots)
	store.Logout(context.Background())

	if len(snapshots) != count {
		t.Error("unsubscribed callback must not be notified")
	}
}

func TestSetFromExchange_ReplacesSession(t *testing.T) {
	store := NewStore(&mockAPIClient{}, nil)

	store.SetFromExchange(model.User{ID: 42, Username: "dave", Provider: "github"}, 3600)

	sess := store.Current()
	if sess == nil || sess.User.ID != 42 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}
