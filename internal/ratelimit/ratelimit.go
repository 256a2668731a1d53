// Package ratelimit は認証エンドポイント向けの固定ウィンドウ方式レート制限を提供する。
//
// ウィンドウはキーごとに最初のチェック時刻から始まり、経過後の最初のチェックでリセットされる。
// 厳密なスライディングウィンドウではない。
package ratelimit

import (
	"context"
	"time"

	"github.com/hitoshi/authflow/internal/model"
)

// Config は固定ウィンドウの設定。
type Config struct {
	Window      time.Duration // ウィンドウ幅
	MaxRequests int           // ウィンドウ内の最大許可数
}

// DefaultConfig は5分間に5リクエストの設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:      5 * time.Minute,
		MaxRequests: 5,
	}
}

// Limiter はキーごとのリクエスト許可判定を行う。
type Limiter interface {
	// Allow はkeyのリクエストを許可する場合trueを返す。拒否時はカウンタを増やさない。
	Allow(ctx context.Context, key string) (bool, error)
}

// Key はクライアントIPと認証意図を連結したレート制限キーを返す。
func Key(clientIP string, intent model.AuthIntent) string {
	return clientIP + ":" + string(intent)
}
