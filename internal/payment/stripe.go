package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	stripeSignatureHeader  = "Stripe-Signature"
	stripeDefaultTolerance = 5 * time.Minute
)

// StripeGateway はカード決済PSP（PaymentIntent / Checkout Session）
type StripeGateway struct {
	cfg       Config
	intents   paymentintent.Client
	sessions  session.Client
	cb        *gobreaker.CircuitBreaker[PaymentAttempt]
	timeout   time.Duration
	tolerance time.Duration
}

// NewStripeGateway はSDKのバックエンドをプロセス共通のグローバルではなくGatewayごとに持つ。
// BaseURLを差し替えるとテスト用のサーバーに向く
func NewStripeGateway(cfg Config, client *http.Client) *StripeGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripe.APIURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// 再試行はしない。失敗はブレーカーとタスクの結果で扱う
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(cfg.BaseURL),
		HTTPClient:        client,
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})

	return &StripeGateway{
		cfg:       cfg,
		intents:   paymentintent.Client{B: backend, Key: cfg.APIKey},
		sessions:  session.Client{B: backend, Key: cfg.APIKey},
		cb:        newBreaker[PaymentAttempt]("stripe"),
		timeout:   timeout,
		tolerance: stripeDefaultTolerance,
	}
}

func (g *StripeGateway) Name() string            { return ProviderStripe }
func (g *StripeGateway) SignatureHeader() string { return stripeSignatureHeader }

// return_urlがあればCheckout Session、無ければPaymentIntent
func (g *StripeGateway) InitiateCharge(ctx context.Context, req ChargeRequest) (PaymentAttempt, error) {
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return PaymentAttempt{}, ErrMissingRef
	}
	minor, err := ToMinorUnits(req.Amount, g.cfg.Currency)
	if err != nil {
		return PaymentAttempt{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	att, err := g.cb.Execute(func() (PaymentAttempt, error) {
		var (
			att PaymentAttempt
			err error
		)
		if req.ReturnURL == "" {
			att, err = g.createIntent(callCtx, ref, minor)
		} else {
			att, err = g.createSession(callCtx, ref, minor, req.ReturnURL)
		}
		if err != nil {
			return PaymentAttempt{}, classifyStripeError(ctx, err)
		}
		return att, nil
	})
	if err != nil {
		return PaymentAttempt{}, breakerOpen(err)
	}
	return att, nil
}

func (g *StripeGateway) createIntent(ctx context.Context, ref string, minor int64) (PaymentAttempt, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(g.cfg.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("reference", ref)
	// 同じ注文・金額の再送はプロバイダ側で1回にまとめる
	params.SetIdempotencyKey(fmt.Sprintf("charge-%s-%d-payment_intents", ref, minor))

	pi, err := g.intents.New(params)
	if err != nil {
		return PaymentAttempt{}, err
	}
	return PaymentAttempt{
		Provider:     ProviderStripe,
		Reference:    ref,
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  minor,
		Currency:     g.cfg.Currency,
	}, nil
}

func (g *StripeGateway) createSession(ctx context.Context, ref string, minor int64, returnURL string) (PaymentAttempt, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(g.cfg.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + ref),
				},
				UnitAmount: stripe.Int64(minor),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(withQuery(returnURL, "session_id={CHECKOUT_SESSION_ID}")),
		CancelURL:         stripe.String(withQuery(returnURL, "canceled=true")),
		ClientReferenceID: stripe.String(ref),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"reference": ref},
		},
	}
	params.Context = ctx
	params.AddMetadata("reference", ref)
	params.SetIdempotencyKey(fmt.Sprintf("charge-%s-%d-checkout_sessions", ref, minor))

	cs, err := g.sessions.New(params)
	if err != nil {
		return PaymentAttempt{}, err
	}
	return PaymentAttempt{
		Provider:    ProviderStripe,
		Reference:   ref,
		ID:          cs.ID,
		CheckoutURL: cs.URL,
		AmountMinor: minor,
		Currency:    g.cfg.Currency,
	}, nil
}

// classifyStripeError はSDKのエラーをGatewayのエラーに寄せる。
// 呼び出し元のキャンセルはそのまま返す
func classifyStripeError(ctx context.Context, err error) error {
	if cerr := callerCanceled(ctx); cerr != nil {
		return cerr
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		status := se.HTTPStatusCode
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: upstream status %d", ErrGatewayUnavailable, status)
		}
		if status >= http.StatusBadRequest {
			msg := se.Msg
			if msg == "" {
				msg = http.StatusText(status)
			}
			return &RejectedError{StatusCode: status, Message: msg}
		}
	}
	// 接続エラーや読めないレスポンス
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

type stripeEventObject struct {
	ID                string            `json:"id"`
	Amount            int64             `json:"amount"`
	AmountReceived    int64             `json:"amount_received"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// 署名の検証と5分の許容幅はSDKに任せる。
// 決済に関係しないイベントは参照なしのpendingで返す
func (g *StripeGateway) VerifyAndParseEvent(rawBody []byte, signatureHeader string) (PaymentEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, g.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return PaymentEvent{}, ErrSignature
		}
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return PaymentEvent{}, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}

	var obj stripeEventObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	outcome, ok := stripeOutcome(string(ev.Type), obj.PaymentStatus)
	if !ok {
		return PaymentEvent{Outcome: OutcomePending, ProviderID: obj.ID}, nil
	}

	ref := obj.Metadata["reference"]
	if ref == "" {
		ref = obj.ClientReferenceID
	}

	currency := obj.Currency
	if currency == "" {
		currency = g.cfg.Currency
	}
	var amount decimal.Decimal
	for _, v := range []int64{obj.AmountReceived, obj.AmountTotal, obj.Amount} {
		if v > 0 {
			amount = FromMinorUnits(v, currency)
			break
		}
	}

	return PaymentEvent{
		Outcome:    outcome,
		Reference:  ref,
		Amount:     amount,
		ProviderID: obj.ID,
	}, nil
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// 2番目の戻り値は決済のイベントかどうか
func stripeOutcome(eventType, paymentStatus string) (Outcome, bool) {
	switch eventType {
	case "payment_intent.succeeded", "checkout.session.async_payment_succeeded":
		return OutcomeSucceeded, true
	case "checkout.session.completed":
		// 銀行振込などはcompleted時点では未入金
		if paymentStatus == "paid" || paymentStatus == "no_payment_required" {
			return OutcomeSucceeded, true
		}
		return OutcomePending, true
	case "payment_intent.payment_failed", "payment_intent.canceled",
		"checkout.session.expired", "checkout.session.async_payment_failed":
		return OutcomeFailed, true
	case "payment_intent.processing", "payment_intent.requires_action", "payment_intent.created":
		return OutcomePending, true
	default:
		return OutcomePending, false
	}
}

func withQuery(base, query string) string {
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}
