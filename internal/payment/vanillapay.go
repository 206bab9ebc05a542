package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	vanillaDefaultBaseURL  = "https://api.vanilla-pay.net"
	vanillaSignatureHeader = "VPI-Signature"
	vanillaAPIVersion      = "2023-01-12"
)

// VanillaPayGateway は地域の決済アグリゲーター。
// トークン取得 → 決済開始の2段階で、金額は主単位で送る。
type VanillaPayGateway struct {
	cfg    Config
	up     *upstream
	tokens singleflight.Group
}

func NewVanillaPayGateway(cfg Config, client *http.Client) *VanillaPayGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = vanillaDefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &VanillaPayGateway{
		cfg: cfg,
		up:  newUpstream("vanillapay", client, cfg.Timeout),
	}
}

func (g *VanillaPayGateway) Name() string            { return ProviderVanillaPay }
func (g *VanillaPayGateway) SignatureHeader() string { return vanillaSignatureHeader }

type vanillaEnvelope struct {
	CodeRetour int             `json:"CodeRetour"`
	DescRetour string          `json:"DescRetour"`
	Data       json.RawMessage `json:"Data"`
}

type vanillaInitiateRequest struct {
	Montant     json.RawMessage `json:"montant"`
	Reference   string          `json:"reference"`
	Panier      string          `json:"panier"`
	Devise      string          `json:"devise"`
	NotifURL    string          `json:"notif_url"`
	RedirectURL string          `json:"redirect_url"`
}

func (g *VanillaPayGateway) InitiateCharge(ctx context.Context, req ChargeRequest) (PaymentAttempt, error) {
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return PaymentAttempt{}, ErrMissingRef
	}
	minor, err := ToMinorUnits(req.Amount, g.cfg.Currency)
	if err != nil {
		return PaymentAttempt{}, err
	}
	exp := MinorUnitExponent(g.cfg.Currency)
	amount := FromMinorUnits(minor, g.cfg.Currency).StringFixed(exp)

	token, err := g.token(ctx)
	if err != nil {
		return PaymentAttempt{}, err
	}

	panier := ref
	if req.CartID > 0 {
		panier = strconv.FormatInt(req.CartID, 10)
	}
	payload, err := json.Marshal(vanillaInitiateRequest{
		Montant:     json.RawMessage(amount),
		Reference:   ref,
		Panier:      panier,
		Devise:      deviseName(g.cfg.Currency),
		NotifURL:    g.cfg.NotifyURL,
		RedirectURL: req.ReturnURL,
	})
	if err != nil {
		return PaymentAttempt{}, err
	}

	res, err := g.up.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/webpayment/initiate", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "*/*")
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", token)
		r.Header.Set("VPI-Version", vanillaAPIVersion)
		return r, nil
	})
	if err != nil {
		return PaymentAttempt{}, err
	}

	var data struct {
		URL          string `json:"url"`
		ReferenceVPI string `json:"reference_VPI"`
	}
	if err := decodeVanilla(res, &data); err != nil {
		return PaymentAttempt{}, err
	}
	if data.URL == "" {
		return PaymentAttempt{}, &RejectedError{StatusCode: res.status, Message: "payment url missing"}
	}

	return PaymentAttempt{
		Provider:    ProviderVanillaPay,
		Reference:   ref,
		ID:          data.ReferenceVPI,
		CheckoutURL: data.URL,
		AmountMinor: minor,
		Currency:    g.cfg.Currency,
	}, nil
}

// 同時に来たトークン取得は1本にまとめる。
// 共有される取得は最初の呼び出し元のキャンセルに引きずられない（上限はupstreamのタイムアウト）
func (g *VanillaPayGateway) token(ctx context.Context) (string, error) {
	ch := g.tokens.DoChan("token", func() (interface{}, error) {
		res, err := g.up.do(context.WithoutCancel(ctx), func(ctx context.Context) (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/webpayment/token", nil)
			if err != nil {
				return nil, err
			}
			r.Header.Set("Accept", "*/*")
			r.Header.Set("Client-Id", g.cfg.ClientID)
			r.Header.Set("Client-Secret", g.cfg.APIKey)
			r.Header.Set("VPI-Version", vanillaAPIVersion)
			return r, nil
		})
		if err != nil {
			return "", err
		}

		var data struct {
			Token string `json:"Token"`
		}
		if err := decodeVanilla(res, &data); err != nil {
			return "", err
		}
		if data.Token == "" {
			return "", &RejectedError{StatusCode: res.status, Message: "token missing"}
		}
		return data.Token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func decodeVanilla(res upstreamResponse, out interface{}) error {
	var env vanillaEnvelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		if res.status >= http.StatusBadRequest {
			return &RejectedError{StatusCode: res.status, Message: http.StatusText(res.status)}
		}
		return &RejectedError{StatusCode: res.status, Message: "unexpected response body"}
	}
	if res.status >= http.StatusBadRequest || (env.CodeRetour != 0 && env.CodeRetour != http.StatusOK) {
		msg := env.DescRetour
		if msg == "" {
			msg = http.StatusText(res.status)
		}
		return &RejectedError{StatusCode: res.status, Message: msg}
	}
	if len(env.Data) == 0 {
		return &RejectedError{StatusCode: res.status, Message: "empty Data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &RejectedError{StatusCode: res.status, Message: "unexpected Data"}
	}
	return nil
}

type vanillaNotification struct {
	ReferenceVPI string          `json:"reference_VPI"`
	Reference    string          `json:"reference"`
	Panier       json.RawMessage `json:"panier"`
	Montant      decimal.Decimal `json:"montant"`
	Etat         string          `json:"etat"`
}

// 署名: 生のbodyに対するHMAC-SHA256のhex（大文字で届く）
func (g *VanillaPayGateway) VerifyAndParseEvent(rawBody []byte, signatureHeader string) (PaymentEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return PaymentEvent{}, ErrSignature
	}
	expected := computeHMAC([]byte(g.cfg.WebhookSecret), rawBody)
	if !equalHexMAC(expected, signatureHeader) {
		return PaymentEvent{}, ErrSignature
	}

	var n vanillaNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if n.Reference == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing reference", ErrMalformedEvent)
	}

	var outcome Outcome
	switch strings.ToUpper(strings.TrimSpace(n.Etat)) {
	case "SUCCESS":
		outcome = OutcomeSucceeded
	case "FAILED":
		outcome = OutcomeFailed
	case "PENDING":
		outcome = OutcomePending
	default:
		return PaymentEvent{}, fmt.Errorf("%w: unknown etat %q", ErrMalformedEvent, n.Etat)
	}

	return PaymentEvent{
		Outcome:    outcome,
		Reference:  n.Reference,
		Amount:     n.Montant,
		ProviderID: n.ReferenceVPI,
	}, nil
}

func deviseName(currency string) string {
	switch strings.ToLower(currency) {
	case "eur":
		return "Euro"
	case "mga":
		return "Ariary"
	case "usd":
		return "Dollar"
	default:
		return strings.ToUpper(currency)
	}
}
