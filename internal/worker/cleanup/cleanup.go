// Package cleanup は期限切れのセッションとマジックリンクを削除するジョブを提供する。
// 検証・利用時にも期限は判定されるため、このジョブはテーブルの肥大化を防ぐためのもの。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authflow/internal/metrics"
)

// 削除対象の種別。メトリクスのラベルに使う。
const (
	KindSessions   = "sessions"
	KindMagicLinks = "magic_links"
)

// ExpiredDeleter は期限切れレコードを削除するリポジトリ。
// repository.SessionRepositoryとrepository.MagicLinkRepositoryが実装する。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れレコードの定期削除ジョブ。冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	sessions   ExpiredDeleter
	magicLinks ExpiredDeleter
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions, magicLinks ExpiredDeleter, logger *slog.Logger, mc metrics.MetricsCollector) *CleanupJob {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &CleanupJob{
		sessions:   sessions,
		magicLinks: magicLinks,
		logger:     logger,
		metrics:    mc,
		now:        time.Now,
	}
}

// Run は期限切れのセッションとマジックリンクを1回削除する。
// 一方が失敗しても他方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	sessionCount, sessionErr := j.delete(ctx, KindSessions, j.sessions, now)
	linkCount, linkErr := j.delete(ctx, KindMagicLinks, j.magicLinks, now)
	if err := errors.Join(sessionErr, linkErr); err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_magic_links", linkCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) delete(ctx context.Context, kind string, repo ExpiredDeleter, now time.Time) (int64, error) {
	deleted, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		j.logger.Error("期限切れレコードの削除に失敗しました",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%s の削除に失敗: %w", kind, err)
	}
	j.metrics.RecordCleanup(kind, deleted)
	return deleted, nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}
}
