package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store はすべてのツールで共有するジョブ台帳です。
type Store interface {
	// Create は queued 状態のジョブを作成します。ExpiresAt は作成時刻 + ttl で固定されます。
	Create(ctx context.Context, tool Tool, totalUnits int, ttl time.Duration) (*Job, error)
	// Get はジョブを取得します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Job, error)
	// UpdateStatus は状態を遷移させます。終端状態のジョブには何もせず現在値を返します。
	UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*Job, error)
	// UpdateProgress は処理済み単位数を更新します。終端状態では何もしません。
	UpdateProgress(ctx context.Context, id string, processed int) error
	// UpdateInput は queued 状態のジョブに入力情報を記録します。
	UpdateInput(ctx context.Context, id string, in Input) error
	List(ctx context.Context, f Filter) ([]*Job, error)
	Count(ctx context.Context, f Filter) (int, error)
	// Delete はレコードを削除します。存在しない ID でもエラーになりません。
	Delete(ctx context.Context, id string) error
	Close() error
}

// Filter は一覧取得の条件です。ゼロ値の項目は条件に含めません。
type Filter struct {
	Statuses    []Status
	Tool        Tool
	ExpiredAsOf time.Time
	Limit       int
	Offset      int
}

// Match は job が条件に一致するかを返します。Limit/Offset は考慮しません。
func (f Filter) Match(job *Job) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if job.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tool != "" && job.Tool != f.Tool {
		return false
	}
	if !f.ExpiredAsOf.IsZero() && !job.IsExpired(f.ExpiredAsOf) {
		return false
	}
	return true
}

// UpdateOption は UpdateStatus に付随する変更です。
type UpdateOption func(*statusUpdate)

type statusUpdate struct {
	errInfo *ErrorInfo
	output  *Output
}

// WithError は failed 遷移時に記録するエラーを指定します。
func WithError(code, message string) UpdateOption {
	return func(u *statusUpdate) {
		u.errInfo = &ErrorInfo{Code: code, Message: message}
	}
}

// WithOutput は completed 遷移時に記録する成果物を指定します。
func WithOutput(out *Output) UpdateOption {
	return func(u *statusUpdate) {
		u.output = out
	}
}

// StoreOption は各 Store 実装の共通オプションです。
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock は時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newJob(tool Tool, totalUnits int, ttl time.Duration, now time.Time) *Job {
	if totalUnits < 0 {
		totalUnits = 0
	}
	now = now.UTC()
	return &Job{
		ID:         uuid.NewString(),
		Tool:       tool,
		Status:     StatusQueued,
		TotalUnits: totalUnits,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// applyStatus は job に状態遷移を適用します。changed=false は終端状態による no-op です。
func applyStatus(job *Job, status Status, opts []UpdateOption, now time.Time) (changed bool, err error) {
	if job.Status.IsTerminal() {
		return false, nil
	}
	if !canTransition(job.Status, status) {
		return false, InvalidState(job.ID, job.Status, status)
	}

	var u statusUpdate
	for _, opt := range opts {
		opt(&u)
	}

	job.Status = status
	job.UpdatedAt = now.UTC()
	switch status {
	case StatusFailed:
		job.Error = u.errInfo
		if job.Error == nil {
			job.Error = &ErrorInfo{Code: ErrProcessing.Code, Message: ErrProcessing.Message}
		}
	case StatusCompleted:
		job.Error = nil
		job.ProcessedUnits = job.TotalUnits
		if u.output != nil {
			job.OutputRef = u.output.Ref
			if u.output.Metadata != nil {
				job.Metadata = u.output.Metadata
			}
		}
	}
	return true, nil
}

// applyProgress は処理済み単位数を単調増加かつ TotalUnits 以下に保って更新します。
func applyProgress(job *Job, processed int, now time.Time) bool {
	if job.Status.IsTerminal() {
		return false
	}
	if processed > job.TotalUnits {
		processed = job.TotalUnits
	}
	if processed <= job.ProcessedUnits {
		return false
	}
	job.ProcessedUnits = processed
	job.UpdatedAt = now.UTC()
	return true
}

func applyInput(job *Job, in Input, now time.Time) error {
	if job.Status != StatusQueued {
		return InvalidState(job.ID, job.Status, StatusQueued)
	}
	job.InputRef = in.Ref
	if in.TotalUnits >= 0 {
		job.TotalUnits = in.TotalUnits
	}
	if in.Metadata != nil {
		job.Metadata = in.Metadata
	}
	job.UpdatedAt = now.UTC()
	return nil
}

func paginate(jobs []*Job, limit, offset int) []*Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}
