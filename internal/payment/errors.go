package payment

import (
	"errors"
	"fmt"
)

var (
	// 署名不一致。どの注文かは漏らさない
	ErrSignature = errors.New("invalid signature")
	// 署名は正しいが中身が読めない
	ErrMalformedEvent = errors.New("malformed event")
	// ネットワーク、タイムアウト、5xx、429、ブレーカー開放
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// プロバイダ側のバリデーションエラー（4xx）
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrMissingRef      = errors.New("reference is required")
)

// RejectedError はプロバイダのメッセージを保持する
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (status %d): %s", ErrGatewayRejected, e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrGatewayRejected }
