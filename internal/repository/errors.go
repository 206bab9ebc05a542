package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ユニーク制約違反（referenceの重複など）
	ErrDuplicate = errors.New("duplicate")
)
