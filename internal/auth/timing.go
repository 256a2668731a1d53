package auth

import (
	"context"
	"math/rand/v2"
	"time"
)

// Padder は処理時間にかかわらず応答までの総時間を[Min, Max]の乱数に揃える。
// 分岐ごとの処理時間の差から登録有無を推測されないようにする。
type Padder struct {
	Min time.Duration
	Max time.Duration

	now   func() time.Time
	pick  func(n int64) int64
	sleep func(ctx context.Context, d time.Duration)
}

// NewPadder はPadderを生成する。max < minの場合はminに揃える。
func NewPadder(min, max time.Duration) *Padder {
	if max < min {
		max = min
	}
	return &Padder{
		Min:   min,
		Max:   max,
		now:   time.Now,
		pick:  rand.Int64N,
		sleep: sleepContext,
	}
}

// Target は今回の目標応答時間を返す。
func (p *Padder) Target() time.Duration {
	span := int64(p.Max - p.Min)
	if span <= 0 {
		return p.Min
	}
	return p.Min + time.Duration(p.pick(span+1))
}

// Pad はstartからの経過時間を差し引いた残りだけ待機する。
// 目標時間を既に超えている場合は待たない。
func (p *Padder) Pad(ctx context.Context, start time.Time) {
	remaining := p.Target() - p.now().Sub(start)
	if remaining <= 0 {
		return
	}
	p.sleep(ctx, remaining)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
