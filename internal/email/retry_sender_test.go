package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/authflow/internal/model"
)

// scriptedSender は呼び出しごとにerrsの要素を順に返す。
type scriptedSender struct {
	calls atomic.Int32
	errs  []error
}

func (s *scriptedSender) Send(context.Context, Message) error {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) {
		return s.errs[n]
	}
	return nil
}

// newTestRetryingSender は待ち時間を記録し、実際には待たないRetryingSenderを返す。
func newTestRetryingSender(next Sender, slept *[]time.Duration) *RetryingSender {
	s := NewRetryingSender(next, DefaultRetryConfig(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	s.newBackoff = func() retry.Backoff {
		b := s.config.Backoff()
		return retry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := b.Next()
			if !stop {
				*slept = append(*slept, d)
			}
			return 0, stop
		})
	}
	return s
}

// cancellingSender は一時的な失敗を返すと同時にコンテキストをキャンセルする。
type cancellingSender struct {
	calls  atomic.Int32
	cancel context.CancelFunc
	err    error
}

func (s *cancellingSender) Send(context.Context, Message) error {
	s.calls.Add(1)
	s.cancel()
	return s.err
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want SendResult
	}{
		{"成功", nil, SendResultOK},
		{"入力不正", errors.Join(ErrInvalidMessage, errors.New("no subject")), SendResultPermanent},
		{"拒否", fmt.Errorf("%w: %w: 406", model.ErrEmailDelivery, ErrRejected), SendResultPermanent},
		{"キャンセル", fmt.Errorf("%w: throttled: %w", model.ErrEmailDelivery, context.Canceled), SendResultPermanent},
		{"通信エラー", fmt.Errorf("%w: connection reset", model.ErrEmailDelivery), SendResultTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySendError(tt.err))
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	b := DefaultRetryConfig().Backoff()

	d, stop := b.Next()
	assert.False(t, stop)
	assert.Equal(t, 250*time.Millisecond, d)
	d, stop = b.Next()
	assert.False(t, stop)
	assert.Equal(t, 500*time.Millisecond, d)
	_, stop = b.Next()
	assert.True(t, stop, "default config allows two retries")
}

func TestRetryConfig_BackoffIsCapped(t *testing.T) {
	c := RetryConfig{MaxAttempts: 10, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second}
	b := c.Backoff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		d, stop := b.Next()
		require.False(t, stop)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second, time.Second,
	}, got)
}

func TestRetryingSender_RecoversFromTransientFailure(t *testing.T) {
	next := &scriptedSender{errs: []error{errors.New("connection reset")}}
	var slept []time.Duration
	s := newTestRetryingSender(next, &slept)

	require.NoError(t, s.Send(context.Background(), validMessage()))
	assert.Equal(t, int32(2), next.calls.Load())
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, slept)
}

func TestRetryingSender_GivesUpAfterMaxAttempts(t *testing.T) {
	transient := errors.New("timeout")
	next := &scriptedSender{errs: []error{transient, transient, transient, transient}}
	var slept []time.Duration
	s := newTestRetryingSender(next, &slept)

	err := s.Send(context.Background(), validMessage())
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}, slept)
}

func TestRetryingSender_DoesNotRetryPermanentFailure(t *testing.T) {
	rejected := fmt.Errorf("%w: inactive recipient", ErrRejected)
	next := &scriptedSender{errs: []error{rejected}}
	var slept []time.Duration
	s := newTestRetryingSender(next, &slept)

	err := s.Send(context.Background(), validMessage())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Empty(t, slept)
}

func TestRetryingSender_StopsWhenContextCancelled(t *testing.T) {
	transient := errors.New("timeout")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	next := &cancellingSender{cancel: cancel, err: transient}
	var slept []time.Duration
	s := newTestRetryingSender(next, &slept)

	err := s.Send(ctx, validMessage())
	assert.ErrorIs(t, err, transient)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRetryingSender_CancelledBeforeSendDoesNotCallNext(t *testing.T) {
	next := &scriptedSender{}
	var slept []time.Duration
	s := newTestRetryingSender(next, &slept)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, validMessage())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, next.calls.Load())
}
