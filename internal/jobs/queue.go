package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	taskTypeRun = "job:run"
	queueName   = "jobs"
)

// TaskPayload はキューに載せるジョブ実行タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Tool  Tool   `json:"tool"`
}

// QueueDispatcher は Asynq 経由でジョブを実行します。
// processing への遷移は投入側で行い、ワーカー側は Runner.Execute で終端状態まで記録します。
type QueueDispatcher struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	store    Store
	runner   *Runner
	resolver WorkResolver
	logger   *slog.Logger
}

// NewQueueDispatcher は QueueDispatcher を初期化します。
func NewQueueDispatcher(redisURL string, concurrency int, store Store, runner *Runner, resolver WorkResolver, logger *slog.Logger) (*QueueDispatcher, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if resolver == nil {
		return nil, errors.New("resolver is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	d := &QueueDispatcher{
		client:   client,
		server:   server,
		mux:      mux,
		store:    store,
		runner:   runner,
		resolver: resolver,
		logger:   logger,
	}
	mux.HandleFunc(taskTypeRun, d.handleRunTask)
	return d, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (d *QueueDispatcher) StartWorkers() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.logger.Error("asynq server stopped with error", "error", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *QueueDispatcher) Shutdown(ctx context.Context) error {
	d.server.Shutdown()
	return d.client.Close()
}

// Dispatch はジョブを processing にしてからキューに投入します。
// 投入に失敗した場合はジョブを failed にします。
func (d *QueueDispatcher) Dispatch(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	// ワーカー側で組み立てられない処理は投入前に弾く
	if _, err := d.resolver.Resolve(ctx, job); err != nil {
		return err
	}
	if _, err := d.runner.Claim(ctx, job.ID); err != nil {
		return err
	}

	body, err := json.Marshal(TaskPayload{JobID: job.ID, Tool: job.Tool})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeRun, body, asynq.Queue(queueName))
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.TaskID(job.ID)); err != nil {
		info := errorInfoFor(Processing("QUEUE_UNAVAILABLE", "ジョブの投入に失敗しました。", err))
		if _, updErr := d.store.UpdateStatus(ctx, job.ID, StatusFailed, WithError(info.Code, info.Message)); updErr != nil {
			d.logger.Error("failed to mark job failed", "job_id", job.ID, "error", updErr)
		}
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (d *QueueDispatcher) handleRunTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
	}

	job, err := d.store.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if job.Status != StatusProcessing {
		d.logger.Warn("skip task for job not in processing", "job_id", job.ID, "status", job.Status)
		return nil
	}

	work, err := d.resolver.Resolve(ctx, job)
	if err != nil {
		info := errorInfoFor(err)
		if _, updErr := d.store.UpdateStatus(ctx, job.ID, StatusFailed, WithError(info.Code, info.Message)); updErr != nil {
			return updErr
		}
		return nil
	}

	// 失敗も Execute 内で記録済みなので、Asynq には再試行させない
	d.runner.Execute(ctx, job, work)
	return nil
}
