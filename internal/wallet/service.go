// Package wallet はバックエンドのウォレットAPIを読み出す薄いクライアント層。
// 画面表示に必要な残高と直近の取引のみを扱う。
package wallet

import (
	"context"
	"fmt"
	"time"
)

// Balance はウォレット残高。金額は精度劣化を避けるため文字列のまま扱う。
type Balance struct {
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction はウォレットの取引1件。
type Transaction struct {
	ID           int64     `json:"id"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Counterparty string    `json:"counterparty,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIClient はバックエンドAPIへのアクセスを抽象化する。
type APIClient interface {
	Get(ctx context.Context, path string, out any) error
}

// balanceEnvelope はGET /wallet/balanceのレスポンス形式。
type balanceEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		Balance Balance `json:"balance"`
	} `json:"data"`
}

// transactionsEnvelope はGET /wallet/transactionsのレスポンス形式。
type transactionsEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		Transactions []Transaction `json:"transactions"`
	} `json:"data"`
}

// Service はウォレットAPIの読み出しサービス。
type Service struct {
	client APIClient
}

// NewService はServiceを生成する。
func NewService(client APIClient) *Service {
	return &Service{client: client}
}

// Balance は現在の残高を取得する。
func (s *Service) Balance(ctx context.Context) (*Balance, error) {
	var envelope balanceEnvelope
	if err := s.client.Get(ctx, "/wallet/balance", &envelope); err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return &envelope.Data.Balance, nil
}

// RecentTransactions は直近の取引を新しい順に取得する。
// limitが0以下の場合はサーバー側のデフォルト件数に委ねる。
func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	path := "/wallet/transactions"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var envelope transactionsEnvelope
	if err := s.client.Get(ctx, path, &envelope); err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	return envelope.Data.Transactions, nil
}
