package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter はメールアドレスごとのサインイン失敗回数を管理する。
type AttemptLimiter interface {
	// Blocked は失敗回数が上限に達しているかどうかを返す。
	Blocked(ctx context.Context, key string) (bool, error)
	// RecordFailure は失敗を1回記録する。
	RecordFailure(ctx context.Context, key string) error
	// Reset は失敗回数をリセットする。
	Reset(ctx context.Context, key string) error
}

// AttemptLimiterConfig はサインイン失敗制限の設定。
type AttemptLimiterConfig struct {
	MaxFailures int           // ロックアウトまでの失敗回数
	Lockout     time.Duration // 最初の失敗から回数がリセットされるまでの時間
}

// failureWindow はキーごとの失敗回数と、最初の失敗の時刻を保持する。
type failureWindow struct {
	count int
	start time.Time
}

// expired はウィンドウがLockoutを過ぎているかを返す。
func (w *failureWindow) expired(now time.Time, lockout time.Duration) bool {
	return !now.Before(w.start.Add(lockout))
}

// MemoryAttemptLimiter はプロセス内の固定ウィンドウで失敗回数を管理する。
// 最初の失敗からLockoutが経過するとウィンドウが失効し、回数がリセットされる。
// RedisAttemptLimiterのINCR+EXPIREと同じ判定になる。
type MemoryAttemptLimiter struct {
	config AttemptLimiterConfig
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*failureWindow

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryAttemptLimiter はMemoryAttemptLimiterを生成する。
// バックグラウンドで失効済みエントリのクリーンアップを開始する。
func NewMemoryAttemptLimiter(config AttemptLimiterConfig) *MemoryAttemptLimiter {
	l := newMemoryAttemptLimiter(config, time.Now)
	go l.cleanupLoop()
	return l
}

func newMemoryAttemptLimiter(config AttemptLimiterConfig, now func() time.Time) *MemoryAttemptLimiter {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Lockout <= 0 {
		config.Lockout = 15 * time.Minute
	}
	return &MemoryAttemptLimiter{
		config:  config,
		now:     now,
		windows: make(map[string]*failureWindow),
		stopCh:  make(chan struct{}),
	}
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *MemoryAttemptLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Blocked はウィンドウ内の失敗回数が上限に達しているかどうかを返す。
func (l *MemoryAttemptLimiter) Blocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.expired(l.now(), l.config.Lockout) {
		return false, nil
	}
	return w.count >= l.config.MaxFailures, nil
}

// RecordFailure は失敗を1回記録する。
// ウィンドウが存在しないか失効している場合は新しいウィンドウを開始する。
func (l *MemoryAttemptLimiter) RecordFailure(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || w.expired(now, l.config.Lockout) {
		w = &failureWindow{start: now}
		l.windows[key] = w
	}
	w.count++
	return nil
}

// Reset は失敗回数をリセットする。
func (l *MemoryAttemptLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
	return nil
}

// Len は管理中のエントリ数を返す。テスト用。
func (l *MemoryAttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *MemoryAttemptLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.Lockout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は失効したウィンドウを削除する。失効済みのため削除しても判定は変わらない。
func (l *MemoryAttemptLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if w.expired(now, l.config.Lockout) {
			delete(l.windows, key)
		}
	}
}

// attemptKeyPrefix はサインイン失敗回数を格納するRedisキーのプレフィックス。
const attemptKeyPrefix = "signin_failures:"

// RedisAttemptLimiter はRedisのカウンタで失敗回数を管理する。
// 最初の失敗からLockoutが経過するとキーが失効し、回数がリセットされる。
// 複数インスタンスで失敗回数を共有する。
type RedisAttemptLimiter struct {
	client redis.Cmdable
	config AttemptLimiterConfig
}

// NewRedisAttemptLimiter はRedisAttemptLimiterを生成する。
func NewRedisAttemptLimiter(client redis.Cmdable, config AttemptLimiterConfig) *RedisAttemptLimiter {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Lockout <= 0 {
		config.Lockout = 15 * time.Minute
	}
	return &RedisAttemptLimiter{client: client, config: config}
}

// Blocked は失敗回数が上限に達しているかどうかを返す。
func (l *RedisAttemptLimiter) Blocked(ctx context.Context, key string) (bool, error) {
	count, err := l.client.Get(ctx, attemptKeyPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get attempt count: %w", err)
	}
	return count >= l.config.MaxFailures, nil
}

// RecordFailure は失敗を1回記録する。
// INCRと有効期限の設定はMULTI/EXECでまとめて送り、期限のないキーを残さない。
// EXPIRE NXのため、既に期限のあるキーのウィンドウは延長されない。
func (l *RedisAttemptLimiter) RecordFailure(ctx context.Context, key string) error {
	redisKey := attemptKeyPrefix + key
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.config.Lockout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record attempt failure: %w", err)
	}
	return nil
}

// Reset は失敗回数をリセットする。
func (l *RedisAttemptLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, attemptKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset attempt count: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AttemptLimiter = (*MemoryAttemptLimiter)(nil)
var _ AttemptLimiter = (*RedisAttemptLimiter)(nil)
