package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	maxResponseBody = 1 << 20
	defaultTimeout  = 10 * time.Second
)

type upstreamResponse struct {
	status int
	body   []byte
}

// newBreaker は全プロバイダ共通の設定。
// 連続5回の接続失敗で開き、4xxと呼び出し側のキャンセルは失敗に数えない。
func newBreaker[T any](name string) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !errors.Is(err, ErrGatewayUnavailable)
		},
	})
}

// callerCanceled は呼び出し元ctxがキャンセルされていればそのエラーを返す。
// タイムアウトはプロバイダ側の問題として扱う
func callerCanceled(ctx context.Context) error {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func breakerOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}

// upstream は外部APIの呼び出しをタイムアウトとサーキットブレーカーで包む。
// 4xxはブレーカーの失敗に数えない。
type upstream struct {
	client  *http.Client
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[upstreamResponse]
}

func newUpstream(name string, client *http.Client, timeout time.Duration) *upstream {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &upstream{
		client:  client,
		timeout: timeout,
		cb:      newBreaker[upstreamResponse](name),
	}
}

func (u *upstream) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (upstreamResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	res, err := u.cb.Execute(func() (upstreamResponse, error) {
		req, err := build(callCtx)
		if err != nil {
			return upstreamResponse{}, err
		}

		resp, err := u.client.Do(req)
		if err != nil {
			if cerr := callerCanceled(ctx); cerr != nil {
				return upstreamResponse{}, cerr
			}
			return upstreamResponse{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			if cerr := callerCanceled(ctx); cerr != nil {
				return upstreamResponse{}, cerr
			}
			return upstreamResponse{}, fmt.Errorf("%w: read body: %v", ErrGatewayUnavailable, err)
		}

		// 429はバックプレッシャーとして扱う
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return upstreamResponse{}, fmt.Errorf("%w: upstream status %d", ErrGatewayUnavailable, resp.StatusCode)
		}
		return upstreamResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return upstreamResponse{}, breakerOpen(err)
	}
	return res, nil
}
