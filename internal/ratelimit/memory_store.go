package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore はプロセス内でカウンタを保持するLimiter実装。
// キーをハッシュでシャードに振り分け、シャード単位でロックする。
// カウンタはプロセス再起動でリセットされる。
type MemoryStore struct {
	config Config
	shards [shardCount]*shard
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryStoreOption はMemoryStoreの設定オプション。
type MemoryStoreOption func(*MemoryStore)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore はMemoryStoreを生成し、期限切れウィンドウのクリーンアップを開始する。
func NewMemoryStore(config Config, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[string]*window)}
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Allow はkeyのリクエストを許可するか判定する。
func (s *MemoryStore) Allow(_ context.Context, key string) (bool, error) {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || now.Sub(w.start) > s.config.Window {
		w = &window{start: now}
		sh.windows[key] = w
	}

	if w.count >= s.config.MaxRequests {
		return false, nil
	}
	w.count++
	return true, nil
}

// Len は保持しているキー数を返す。テストおよびメトリクス用。
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup はウィンドウが終了したキーを削除する。
// 削除しても次回のAllowで新しいウィンドウが始まるため判定結果は変わらない。
func (s *MemoryStore) cleanup() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			if now.Sub(w.start) > s.config.Window {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// compile-time interface check
var _ Limiter = (*MemoryStore)(nil)
