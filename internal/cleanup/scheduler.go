// Package cleanup は期限切れジョブの成果物とレコードを定期的に削除します。
//
// 削除は常に「ストレージ → レコード」の順で行い、レコードだけが消えて
// ファイルが残る状態を作りません。processing のジョブは期限を過ぎていても
// 完了するまで削除を見送ります。
//
// 同じストレージを複数のプロセスが掃除しないよう、Sweep はストレージルートの
// ロックファイルを flock で取得してから実行します。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

const (
	DefaultInterval    = 60 * time.Minute
	DefaultOrphanGrace = 60 * time.Minute

	// LockFileName はストレージルートに置く掃除用ロックファイルの名前です。
	LockFileName   = ".sweep.lock"
	lockRetryDelay = 100 * time.Millisecond
)

// ErrAlreadyStarted は Start の二重呼び出しを表します。
var ErrAlreadyStarted = errors.New("cleanup: scheduler already started")

// Storage は Scheduler が必要とする成果物ストレージの操作です。
type Storage interface {
	SizeOf(jobID string) (int64, error)
	Delete(jobID string) error
	Entries() ([]storage.Entry, error)
}

// Report は1回の掃除の結果です。
type Report struct {
	DeletedJobs    int           `json:"deleted_jobs"`
	FreedBytes     int64         `json:"freed_bytes"`
	Deferred       int           `json:"deferred_jobs"`
	Failed         int           `json:"failed_jobs"`
	OrphansRemoved int           `json:"orphans_removed"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
}

// Scheduler は期限切れジョブの掃除を一定間隔で実行します。
type Scheduler struct {
	store       jobs.Store
	storage     Storage
	clock       Clock
	interval    time.Duration
	orphanGrace time.Duration
	logger      *slog.Logger
	lockPath    *string
	lock        *flock.Flock

	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Report
}

// Option は Scheduler の設定です。
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInterval は掃除の間隔を設定します。0 以下は無視します。
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOrphanGrace はレコードのないディレクトリを削除するまでの猶予です。負の値で孤児掃除を無効にします。
func WithOrphanGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		s.orphanGrace = d
	}
}

// WithLockFile はプロセス間で掃除を直列化するロックファイルを指定します。
// 空文字でロックを使いません。指定しない場合、Storage が Root() を持てば
// <root>/.sweep.lock を使います。
func WithLockFile(path string) Option {
	return func(s *Scheduler) {
		s.lockPath = &path
	}
}

// New は Scheduler を作成します。Start を呼ぶまで掃除は実行されません。
func New(store jobs.Store, st Storage, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		storage:     st,
		clock:       RealClock{},
		interval:    DefaultInterval,
		orphanGrace: DefaultOrphanGrace,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	lockPath := ""
	if s.lockPath != nil {
		lockPath = *s.lockPath
	} else if r, ok := st.(interface{ Root() string }); ok {
		lockPath = filepath.Join(r.Root(), LockFileName)
	}
	if lockPath != "" {
		s.lock = flock.New(lockPath)
	}
	return s
}

// Start は即座に1回掃除してから定期実行を開始します。
// 初回掃除の間に Stop が呼ばれると、掃除を打ち切ってすぐに戻ります。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	// 初回掃除の途中で Stop されたら打ち切る
	initCtx, initCancel := context.WithCancel(ctx)
	stopInit := context.AfterFunc(loopCtx, initCancel)
	if _, err := s.Sweep(initCtx); err != nil && initCtx.Err() == nil {
		s.logger.Error("initial cleanup failed", "error", err)
	}
	stopInit()
	initCancel()

	ticker := s.clock.NewTicker(s.interval)
	go s.loop(loopCtx, ticker, done)
	s.logger.Info("cleanup scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled cleanup failed", "error", err)
			}
		}
	}
}

// Stop は定期実行を止め、実行中の掃除が終わるまで待ちます。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.done == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("cleanup scheduler stopped")
	return nil
}

// LastReport は直近の掃除結果を返します。
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Sweep は期限切れジョブを1回掃除します。同時に呼ばれた場合は、別プロセスの
// Scheduler も含めて順番に実行されます。
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.lock != nil {
		locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return Report{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !locked {
			return Report{}, fmt.Errorf("acquire sweep lock: %s is held", s.lock.Path())
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.logger.Warn("failed to release sweep lock", "path", s.lock.Path(), "error", err)
			}
		}()
	}

	started := s.clock.Now()
	report := Report{StartedAt: started}

	expired, err := s.store.List(ctx, jobs.Filter{ExpiredAsOf: started})
	if err != nil {
		return report, fmt.Errorf("list expired jobs: %w", err)
	}
	for _, job := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.expire(ctx, job, &report)
	}

	if s.orphanGrace >= 0 {
		if err := s.removeOrphans(ctx, started, &report); err != nil {
			s.logger.Warn("orphan cleanup failed", "error", err)
		}
	}

	report.Duration = s.clock.Now().Sub(started)
	s.mu.Lock()
	last := report
	s.last = &last
	s.mu.Unlock()

	if report.DeletedJobs > 0 || report.OrphansRemoved > 0 || report.Failed > 0 {
		s.logger.Info("cleanup completed",
			"deleted_jobs", report.DeletedJobs,
			"freed_bytes", report.FreedBytes,
			"deferred_jobs", report.Deferred,
			"failed_jobs", report.Failed,
			"orphans_removed", report.OrphansRemoved,
		)
	}
	return report, nil
}

func (s *Scheduler) expire(ctx context.Context, job *jobs.Job, report *Report) {
	logger := s.logger.With("job_id", job.ID, "tool", job.Tool)

	if job.Status == jobs.StatusProcessing {
		report.Deferred++
		return
	}

	claimed, err := s.store.UpdateStatus(ctx, job.ID, jobs.StatusExpired)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return
	case errors.Is(err, jobs.ErrInvalidState):
		// 一覧取得後に processing へ遷移したジョブ
		report.Deferred++
		return
	case err != nil:
		logger.Warn("failed to mark job expired", "error", err)
		report.Failed++
		return
	}
	if claimed.Status == jobs.StatusProcessing {
		report.Deferred++
		return
	}

	size, err := s.storage.SizeOf(job.ID)
	if err != nil {
		logger.Warn("failed to measure job dir", "error", err)
		size = 0
	}
	if err := s.storage.Delete(job.ID); err != nil {
		logger.Error("failed to delete job dir", "error", err)
		report.Failed++
		return
	}
	if err := s.store.Delete(ctx, job.ID); err != nil {
		logger.Error("failed to delete job record", "error", err)
		report.Failed++
		return
	}

	report.DeletedJobs++
	report.FreedBytes += size
	logger.Debug("expired job deleted", "freed_bytes", size)
}

func (s *Scheduler) removeOrphans(ctx context.Context, now time.Time, report *Report) error {
	entries, err := s.storage.Entries()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if now.Sub(entry.ModTime) < s.orphanGrace {
			continue
		}
		_, err := s.store.Get(ctx, entry.JobID)
		if err == nil {
			continue
		}
		if !errors.Is(err, jobs.ErrNotFound) {
			s.logger.Warn("failed to look up job for orphan check", "job_id", entry.JobID, "error", err)
			continue
		}

		size, err := s.storage.SizeOf(entry.JobID)
		if err != nil {
			size = 0
		}
		if err := s.storage.Delete(entry.JobID); err != nil {
			s.logger.Error("failed to delete orphan dir", "job_id", entry.JobID, "error", err)
			report.Failed++
			continue
		}
		report.OrphansRemoved++
		report.FreedBytes += size
	}
	return nil
}
