// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証フローで発生するドメインエラー。errors.Isで判定する。
var (
	ErrInvalidProvider = errors.New("invalid provider")
	ErrInvalidIntent   = errors.New("invalid auth intent")
	ErrNameRequired    = errors.New("name is required for sign up")
	ErrStateMismatch   = errors.New("oauth state mismatch")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrUpstream        = errors.New("upstream provider failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrEmailDelivery   = errors.New("email delivery failed")
	ErrDuplicate       = errors.New("duplicate record")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// GenericFailureMessage は上流障害・想定外エラー時にユーザーへ返す共通メッセージ。
const GenericFailureMessage = "There was an issue on our end. Please try again later."

// RateLimitedMessage はレート制限時にユーザーへ返す共通メッセージ。
const RateLimitedMessage = "Too many attempts. Please try again later."

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// NewInvalidInputError は入力不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  reason,
		Category: "validation",
		Action:   "Please check your input and try again.",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  RateLimitedMessage,
		Category: "system",
		Action:   "Please wait and retry later.",
	}
}
