// Package token は推測不能なURL安全トークンを生成する。
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// MagicLinkBytes はマジックリンクトークンの乱数バイト長。
	MagicLinkBytes = 15
	// StateBytes はOAuth CSRF stateの乱数バイト長。
	StateBytes = 32
	// SessionBytes はセッションIDの乱数バイト長。
	SessionBytes = 32
)

// Generate はnバイトの乱数をbase64url（パディングなし）でエンコードして返す。
func Generate(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MagicLink はマジックリンク用トークンを生成する。
func MagicLink() (string, error) {
	return Generate(MagicLinkBytes)
}

// State はOAuthのCSRF state値を生成する。
func State() (string, error) {
	return Generate(StateBytes)
}

// SessionID は暗号的に安全なセッションIDを生成する。
func SessionID() (string, error) {
	b := make([]byte, SessionBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
