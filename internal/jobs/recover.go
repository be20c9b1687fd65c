package jobs

import (
	"context"
	"errors"
	"log/slog"
)

// CodeInterrupted は処理が途中で打ち切られたジョブのエラーコードです。
const CodeInterrupted = "INTERRUPTED"

const interruptedMessage = "サーバーの停止により処理が中断されました。"

// RecoverInterrupted は前回のプロセスが processing のまま残したジョブを failed にします。
// 起動時、ジョブの受け付けとワーカーの開始より前に呼びます。
// failed になったジョブは期限が来れば通常どおり掃除されます。
func RecoverInterrupted(ctx context.Context, store Store, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stuck, err := store.List(ctx, Filter{Statuses: []Status{StatusProcessing}})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stuck {
		updated, err := store.UpdateStatus(ctx, job.ID, StatusFailed, WithError(CodeInterrupted, interruptedMessage))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		if updated.Status != StatusFailed {
			continue
		}
		logger.Warn("interrupted job marked failed", "job_id", job.ID, "tool", job.Tool)
		recovered++
	}
	return recovered, nil
}
