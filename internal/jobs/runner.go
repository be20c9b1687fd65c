package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReportFunc は変換処理が進捗を通知するためのコールバックです。
type ReportFunc func(current, total int)

// Work はジョブ1件分の変換処理です。成功時は成果物を返します。
type Work func(ctx context.Context, report ReportFunc) (*Output, error)

// ErrRunnerStopped は Shutdown 後の Submit を表します。
var ErrRunnerStopped = errors.New("jobs: runner is shutting down")

// Runner はジョブを非同期に実行し、進捗と終端状態を Store に記録します。
type Runner struct {
	store  Store
	logger *slog.Logger
	sem    *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RunnerOption は Runner の設定です。
type RunnerOption func(*Runner)

// WithConcurrency は同時に実行する変換処理の上限を設定します。0 以下は無制限です。
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRunnerLogger はロガーを差し替えます。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner は Runner を作成します。
func NewRunner(store Store, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		logger:  slog.Default(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit はジョブを processing にしてから work を別 goroutine で実行します。
// queued 以外のジョブでは work を呼ばずに InvalidState を返します。
// Shutdown 後はジョブに触れずに ErrRunnerStopped を返します。
func (r *Runner) Submit(ctx context.Context, jobID string, work Work) error {
	if work == nil {
		return fmt.Errorf("work is nil")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Processing("RUNNER_STOPPED", "サーバーを停止中のため受け付けできません。", ErrRunnerStopped)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	job, err := r.Claim(ctx, jobID)
	if err != nil {
		r.wg.Done()
		return err
	}

	go func() {
		defer r.wg.Done()
		r.Execute(r.baseCtx, job, work)
	}()
	return nil
}

// Claim はジョブを queued から processing に遷移させます。
func (r *Runner) Claim(ctx context.Context, jobID string) (*Job, error) {
	current, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := r.store.UpdateStatus(ctx, jobID, StatusProcessing)
	if err != nil {
		return nil, err
	}
	// 終端状態だった場合 UpdateStatus は何もしないので、ここで拒否する
	if job.Status != StatusProcessing {
		return nil, InvalidState(jobID, current.Status, StatusProcessing)
	}
	return job, nil
}

// Execute は processing 済みのジョブに対して work を同期実行し、終端状態を記録します。
// work のエラーやパニックは failed として記録し、呼び出し元へは伝播しません。
// 終端状態の書き込みは ctx が取り消された後でも行います。
func (r *Runner) Execute(ctx context.Context, job *Job, work Work) {
	logger := r.logger.With("job_id", job.ID, "tool", job.Tool)
	finalCtx := context.WithoutCancel(ctx)

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.fail(finalCtx, logger, job.ID, Processing(CodeInterrupted, interruptedMessage, err))
			return
		}
		defer r.sem.Release(1)
	}

	report := func(current, total int) {
		units := scaleUnits(current, total, job.TotalUnits)
		if err := r.store.UpdateProgress(ctx, job.ID, units); err != nil {
			logger.Warn("failed to update progress", "error", err)
		}
	}

	logger.Info("job started")
	out, err := r.invoke(ctx, work, report)
	if err != nil {
		if ctx.Err() != nil && AsError(err) == nil {
			err = Processing(CodeInterrupted, interruptedMessage, err)
		}
		r.fail(finalCtx, logger, job.ID, err)
		return
	}

	if err := r.store.UpdateProgress(finalCtx, job.ID, job.TotalUnits); err != nil {
		logger.Warn("failed to update final progress", "error", err)
	}
	if _, err := r.store.UpdateStatus(finalCtx, job.ID, StatusCompleted, WithOutput(out)); err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return
	}
	logger.Info("job completed")
}

func (r *Runner) invoke(ctx context.Context, work Work, report ReportFunc) (out *Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			err = Processing("", "ファイルの処理中に予期しないエラーが発生しました。", fmt.Errorf("panic: %v", p))
		}
	}()
	return work(ctx, report)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, jobID string, err error) {
	info := errorInfoFor(err)
	logger.Warn("job failed", "code", info.Code, "error", err)
	if _, updErr := r.store.UpdateStatus(ctx, jobID, StatusFailed, WithError(info.Code, info.Message)); updErr != nil {
		logger.Error("failed to mark job failed", "error", updErr)
	}
}

// Shutdown は新規の Submit を止め、実行中のジョブの終了を待ちます。
// ctx が先に終わった場合は残りのジョブを中断します。中断されたジョブも failed として記録されます。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// scaleUnits は report(current, total) をジョブの TotalUnits に換算します。
func scaleUnits(current, total, jobTotal int) int {
	if current < 0 {
		current = 0
	}
	if total <= 0 || jobTotal <= 0 || total == jobTotal {
		return current
	}
	return current * jobTotal / total
}
