package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError はウォレットAPIとの通信で発生した失敗の統一フォーマットを表す。
// 非2xxレスポンスとトランスポート障害の両方をこの型に正規化し、
// 型のないエラーペイロードをapiパッケージの境界より先へ伝播させない。
// StatusCodeが0の場合はレスポンスを受信できなかったこと（ネットワーク障害）を示す。
type APIError struct {
	Message    string
	StatusCode int
	RawBody    string

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
}

// Unwrap はネットワーク障害時の根本原因を返す。
// レスポンスを受信できたエラーではnilを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// IsUnauthorized は認証失敗（401）かどうかを判定する。
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsNetworkError はレスポンスを受信できなかった障害かどうかを判定する。
func (e *APIError) IsNetworkError() bool {
	return e.StatusCode == 0
}

// NewNetworkError はレスポンスを受信できなかった障害を表すAPIErrorを生成する。
// リトライするかどうかの判断は呼び出し側に委ねる。
func NewNetworkError(cause error) *APIError {
	return &APIError{
		Message:    "network error",
		StatusCode: 0,
		cause:      cause,
	}
}

// NewHTTPError は非2xxレスポンスを表すAPIErrorを生成する。
// messageが空の場合はHTTPステータステキストを補完する。
func NewHTTPError(statusCode int, message, rawBody string) *APIError {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &APIError{
		Message:    message,
		StatusCode: statusCode,
		RawBody:    rawBody,
	}
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
