// Package cleanup は期限切れ資格情報の定期削除ジョブを提供する。
// 期限切れのリフレッシュトークンと、期限切れまたは使用済みの使い捨てトークンを削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RefreshTokenPurger は期限切れリフレッシュトークンの削除を抽象化する。
type RefreshTokenPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SingleUseTokenPurger は不要になった使い捨てトークンの削除を抽象化する。
type SingleUseTokenPurger interface {
	DeleteExpiredOrUsed(ctx context.Context, now time.Time) (int64, error)
}

// Recorder は削除件数の記録先。metrics.MetricsCollectorが満たす。
type Recorder interface {
	RecordTokensCleaned(table string, count int64)
}

// CleanupJob は期限切れトークンの削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	refreshTokens RefreshTokenPurger
	singleUse     SingleUseTokenPurger
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(refreshTokens RefreshTokenPurger, singleUse SingleUseTokenPurger, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		refreshTokens: refreshTokens,
		singleUse:     singleUse,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("トークンクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("トークンクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *CleanupJob) runAndLog(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("トークンクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は両テーブルのクリーンアップを1回実行する。
// 片方が失敗してももう片方は実行し、エラーはまとめて返す。
func (j *CleanupJob) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	refreshDeleted, refreshErr := j.refreshTokens.DeleteExpired(ctx, now)
	if refreshErr != nil {
		refreshErr = fmt.Errorf("refresh token cleanup failed: %w", refreshErr)
	} else {
		j.record("refresh_tokens", refreshDeleted)
	}

	singleUseDeleted, singleUseErr := j.singleUse.DeleteExpiredOrUsed(ctx, now)
	if singleUseErr != nil {
		singleUseErr = fmt.Errorf("single-use token cleanup failed: %w", singleUseErr)
	} else {
		j.record("single_use_tokens", singleUseDeleted)
	}

	if err := errors.Join(refreshErr, singleUseErr); err != nil {
		return err
	}

	j.logger.Info("トークンクリーンアップが完了しました",
		slog.Int64("refresh_tokens_deleted", refreshDeleted),
		slog.Int64("single_use_tokens_deleted", singleUseDeleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) record(table string, count int64) {
	if j.recorder != nil {
		j.recorder.RecordTokensCleaned(table, count)
	}
}
