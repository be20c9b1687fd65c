package jobs

import (
	"context"
	"fmt"
)

// WorkResolver はジョブのツール種別から実行する処理を組み立てます。
type WorkResolver interface {
	Resolve(ctx context.Context, job *Job) (Work, error)
}

// Dispatcher は queued のジョブを実行に回します。
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
}

// LocalDispatcher は同一プロセス内の Runner でジョブを実行します。
type LocalDispatcher struct {
	runner   *Runner
	resolver WorkResolver
}

// NewLocalDispatcher は LocalDispatcher を作成します。
func NewLocalDispatcher(runner *Runner, resolver WorkResolver) *LocalDispatcher {
	return &LocalDispatcher{runner: runner, resolver: resolver}
}

// Dispatch は処理を組み立ててから Runner に投入します。
// 組み立てに失敗した場合ジョブは queued のまま残り、エラーを返します。
func (d *LocalDispatcher) Dispatch(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	work, err := d.resolver.Resolve(ctx, job)
	if err != nil {
		return err
	}
	return d.runner.Submit(ctx, job.ID, work)
}
