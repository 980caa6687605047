package oauth

import (
	"sync"

	"github.com/hitoshi/saifu/internal/model"
)

// ハンドシェイク保存に使う固定キー。
const (
	stateKey    = "oauth_state"
	providerKey = "oauth_provider"
)

// HandshakeStore はリダイレクト往復をまたいでハンドシェイクを保持する。
// Takeは読み出しと同時に削除する（1回限りの消費）。
type HandshakeStore interface {
	Put(h model.Handshake)
	Take() (model.Handshake, bool)
}

// MemStore はプロセス内メモリのHandshakeStore実装。
// プロセス再起動で空になるため、ハンドシェイクの寿命は
// ブラウザセッション相当に収まる。
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemStore はMemStoreを生成する。
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

// Put はハンドシェイクを保存する。既存の値は上書きされる。
func (s *MemStore) Put(h model.Handshake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[stateKey] = h.State
	s.values[providerKey] = string(h.Provider)
}

// Take は保存済みハンドシェイクを取り出し、両方のキーを削除する。
// 何も保存されていない場合はfalseを返す。
func (s *MemStore) Take() (model.Handshake, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, hasState := s.values[stateKey]
	provider, hasProvider := s.values[providerKey]
	delete(s.values, stateKey)
	delete(s.values, providerKey)

	if !hasState && !hasProvider {
		return model.Handshake{}, false
	}
	return model.Handshake{State: state, Provider: model.Provider(provider)}, true
}

// compile-time interface check
var _ HandshakeStore = (*MemStore)(nil)
