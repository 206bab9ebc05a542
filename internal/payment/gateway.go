// Package payment は外部決済プロバイダとの境界。
// 起動時に1つだけ実装を選び、Gatewayインターフェース越しに使う。
package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ProviderStripe     = "stripe"
	ProviderVanillaPay = "vanillapay"
)

// Configは起動時に注入する（プロセス全体のグローバル変数は使わない）
type Config struct {
	Provider      string
	APIKey        string
	ClientID      string // vanillapayのみ
	WebhookSecret string
	BaseURL       string
	Currency      string
	NotifyURL     string // vanillapayのnotif_url
	Timeout       time.Duration
}

type ChargeRequest struct {
	Amount    decimal.Decimal
	Reference string
	ReturnURL string
	// 集約側の「panier」。無ければreference
	CartID int64
}

// PaymentAttempt はプロバイダ側のハンドル
type PaymentAttempt struct {
	Provider     string `json:"provider"`
	Reference    string `json:"reference"`
	ID           string `json:"id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	CheckoutURL  string `json:"checkout_url,omitempty"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// PaymentEvent はWebhookを正規化したもの。アダプタの境界で一度だけ作る
type PaymentEvent struct {
	Outcome   Outcome
	Reference string
	// プロバイダが送ってきた金額（主単位）。無ければZero
	Amount     decimal.Decimal
	ProviderID string
}

type Gateway interface {
	Name() string
	// Webhookの署名ヘッダ名
	SignatureHeader() string
	InitiateCharge(ctx context.Context, req ChargeRequest) (PaymentAttempt, error)
	// 署名検証はJSONパースより前に行う
	VerifyAndParseEvent(rawBody []byte, signatureHeader string) (PaymentEvent, error)
}

// New はConfig.Providerに応じた実装を返す
func New(cfg Config, client *http.Client) (Gateway, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("payment: webhook secret is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderStripe:
		return NewStripeGateway(cfg, client), nil
	case ProviderVanillaPay:
		return NewVanillaPayGateway(cfg, client), nil
	default:
		return nil, fmt.Errorf("payment: unknown provider %q", cfg.Provider)
	}
}
