package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart         = errors.New("cart empty")
	ErrCartNotFound      = errors.New("cart not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrReferenceConflict = errors.New("reference already used")
	ErrValidation        = errors.New("validation error")
)

// HTTPError はhandlerでそのままステータスに変換する
type HTTPError struct {
	Status  int
	Message string
	// errors.Isで判定するための元エラー（無くてもよい）
	Err error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

// 原因付き
func WrapHTTPError(status int, message string, err error) error {
	return &HTTPError{
		Status:  status,
		Message: message,
		Err:     err,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}
