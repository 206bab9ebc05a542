package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rs-labo46/ec-backend/internal/domain/model"
	"github.com/rs-labo46/ec-backend/internal/payment"
)

// PaymentLedger は支払い済みの記録先（OrderUsecaseが実装）
type PaymentLedger interface {
	MarkPaid(ctx context.Context, reference string) (model.Order, error)
}

type WebhookUsecase struct {
	gateway payment.Gateway
	ledger  PaymentLedger
	log     *slog.Logger
}

func NewWebhookUsecase(gateway payment.Gateway, ledger PaymentLedger, logger *slog.Logger) *WebhookUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookUsecase{gateway: gateway, ledger: ledger, log: logger}
}

type WebhookResult struct {
	Outcome   payment.Outcome `json:"outcome"`
	Reference string          `json:"reference"`
	Paid      bool            `json:"paid"`
}

func (u *WebhookUsecase) SignatureHeader() string {
	return u.gateway.SignatureHeader()
}

// Reconcile は署名を検証してから支払い結果を注文に反映する。
// 台帳側のエラーは500にしてプロバイダに再送させる
func (u *WebhookUsecase) Reconcile(ctx context.Context, rawBody []byte, signature string) (WebhookResult, error) {
	log := u.log.With("provider", u.gateway.Name())

	ev, err := u.gateway.VerifyAndParseEvent(rawBody, signature)
	if errors.Is(err, payment.ErrSignature) {
		// どの注文かは返さない
		log.Warn("webhook signature rejected")
		return WebhookResult{}, WrapHTTPError(http.StatusUnauthorized, "invalid signature", err)
	}
	if err != nil {
		log.Warn("webhook event rejected", "err", err)
		return WebhookResult{}, WrapHTTPError(http.StatusBadRequest, "malformed event", err)
	}

	res := WebhookResult{Outcome: ev.Outcome, Reference: ev.Reference}

	// 注文に紐付かないイベントは受け取るだけ（非2xxだとプロバイダが再送し続ける）
	if ev.Reference == "" {
		lvl := slog.LevelInfo
		if ev.Outcome == payment.OutcomeSucceeded {
			lvl = slog.LevelWarn
		}
		log.Log(ctx, lvl, "webhook event without order reference ignored", "outcome", ev.Outcome, "provider_id", ev.ProviderID)
		return res, nil
	}

	log = log.With("reference", ev.Reference, "outcome", ev.Outcome)

	switch ev.Outcome {
	case payment.OutcomeSucceeded:
		o, err := u.ledger.MarkPaid(ctx, ev.Reference)
		if err != nil {
			log.Error("mark paid failed", "err", err)
			return WebhookResult{}, WrapHTTPError(http.StatusInternalServerError, "ledger error", err)
		}
		if !ev.Amount.IsZero() && !ev.Amount.Equal(o.TotalPrice) {
			log.Warn("paid amount differs from order total",
				"order_id", o.ID,
				"paid_amount", ev.Amount.StringFixed(2),
				"order_total", o.TotalPrice.StringFixed(2),
			)
		}
		res.Paid = o.Paid
		log.Info("payment reconciled", "order_id", o.ID)

	case payment.OutcomeFailed:
		log.Info("payment failed at provider")

	default:
		log.Info("payment still pending at provider")
	}

	return res, nil
}
