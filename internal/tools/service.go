package tools

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// Service はジョブの作成、確認、状態取得、ダウンロードをまとめて扱います。
type Service struct {
	store      jobs.Store
	storage    *storage.Local
	dispatcher jobs.Dispatcher
	registry   *Registry

	jobTTL         time.Duration
	interactiveTTL time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// 同じジョブへの確認操作を直列化する
	processMu sync.Mutex
}

// ServiceConfig は Service の設定です。
type ServiceConfig struct {
	JobTTL            time.Duration
	InteractiveJobTTL time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// NewService は Service を作成します。
func NewService(store jobs.Store, st *storage.Local, dispatcher jobs.Dispatcher, registry *Registry, cfg ServiceConfig) *Service {
	s := &Service{
		store:          store,
		storage:        st,
		dispatcher:     dispatcher,
		registry:       registry,
		jobTTL:         cfg.JobTTL,
		interactiveTTL: cfg.InteractiveJobTTL,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if s.jobTTL <= 0 {
		s.jobTTL = 30 * time.Minute
	}
	if s.interactiveTTL <= 0 {
		s.interactiveTTL = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Registry は登録済みツールの一覧を返します。
func (s *Service) Registry() *Registry {
	return s.registry
}

// Create はジョブを作成して入力を保存します。単一フェーズのツールはそのまま実行を開始します。
func (s *Service) Create(ctx context.Context, name jobs.Tool, req *PrepareRequest) (*jobs.Job, error) {
	tool, ok := s.registry.Get(name)
	if !ok {
		return nil, jobs.Validation("UNKNOWN_TOOL", "指定されたツールは存在しません。")
	}
	if req == nil {
		req = &PrepareRequest{}
	}

	ttl := s.jobTTL
	if tool.TwoPhase() {
		ttl = s.interactiveTTL
	}
	job, err := s.store.Create(ctx, name, 0, ttl)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("job_id", job.ID, "tool", name)

	dir, err := s.storage.Allocate(job.ID, tool.Subdirs()...)
	if err != nil {
		s.discard(job.ID, logger)
		return nil, jobs.StorageFailure("作業ディレクトリの作成に失敗しました。", err)
	}

	prepared, err := tool.Prepare(ctx, dir, req)
	if err != nil {
		s.discard(job.ID, logger)
		return nil, err
	}
	if err := s.store.UpdateInput(ctx, job.ID, jobs.Input{
		Ref:        prepared.InputRef,
		TotalUnits: prepared.TotalUnits,
		Metadata:   prepared.Metadata,
	}); err != nil {
		s.discard(job.ID, logger)
		return nil, err
	}
	logger.Info("job created", "two_phase", tool.TwoPhase(), "total_units", prepared.TotalUnits)

	if !tool.TwoPhase() {
		current, err := s.store.Get(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if err := s.dispatch(ctx, current, logger); err != nil {
			return nil, err
		}
	}
	return s.store.Get(ctx, job.ID)
}

// Process は確認操作を記録して2フェーズのジョブの実行を開始します。
func (s *Service) Process(ctx context.Context, name jobs.Tool, jobID string, body []byte) (*jobs.Job, error) {
	s.processMu.Lock()
	defer s.processMu.Unlock()

	tool, job, err := s.lookup(ctx, name, jobID)
	if err != nil {
		return nil, err
	}
	if !tool.TwoPhase() {
		return nil, jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
	}
	if s.view(job).Status == jobs.StatusExpired {
		return nil, jobs.NotFound(job.ID)
	}
	if job.Status != jobs.StatusQueued {
		return nil, jobs.InvalidState(job.ID, job.Status, jobs.StatusProcessing)
	}

	dir, err := s.storage.Dir(job.ID)
	if err != nil {
		return nil, jobs.NotFound(job.ID)
	}
	if err := tool.Confirm(ctx, job, dir, body); err != nil {
		return nil, err
	}
	logger := s.logger.With("job_id", job.ID, "tool", name)
	if err := s.dispatch(ctx, job, logger); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, job.ID)
}

// Get はジョブを返します。期限を過ぎたジョブは processing 以外なら expired として見せます。
func (s *Service) Get(ctx context.Context, name jobs.Tool, jobID string) (*jobs.Job, error) {
	_, job, err := s.lookup(ctx, name, jobID)
	if err != nil {
		return nil, err
	}
	return s.view(job), nil
}

// Download は開いた成果物ファイルです。呼び出し側が File を閉じます。
type Download struct {
	JobID       string
	File        *os.File
	Size        int64
	Filename    string
	ContentType string
}

// Open は完了済みジョブの成果物を開きます。
func (s *Service) Open(ctx context.Context, name jobs.Tool, jobID string) (*Download, error) {
	tool, job, err := s.lookup(ctx, name, jobID)
	if err != nil {
		return nil, err
	}
	job = s.view(job)
	if job.Status != jobs.StatusCompleted || job.OutputRef == "" {
		return nil, jobs.NotFound(job.ID)
	}

	f, info, err := s.storage.Open(job.ID, job.OutputRef)
	if err != nil {
		return nil, s.storageLookupError(job.ID, err)
	}
	artifact := tool.Artifact(job)
	if artifact.Filename == "" {
		artifact.Filename = filepath.Base(job.OutputRef)
	}
	if artifact.ContentType == "" {
		artifact.ContentType = "application/octet-stream"
	}
	return &Download{
		JobID:       job.ID,
		File:        f,
		Size:        info.Size(),
		Filename:    artifact.Filename,
		ContentType: artifact.ContentType,
	}, nil
}

// OpenThumbnail はジョブのサムネイル画像を開きます。
func (s *Service) OpenThumbnail(ctx context.Context, name jobs.Tool, jobID, file string) (*Download, error) {
	_, job, err := s.lookup(ctx, name, jobID)
	if err != nil {
		return nil, err
	}
	job = s.view(job)
	if job.Status == jobs.StatusExpired || file != path.Base(file) {
		return nil, jobs.NotFound(job.ID)
	}
	f, info, err := s.storage.Open(job.ID, path.Join(storage.ThumbnailDir, file))
	if err != nil {
		return nil, s.storageLookupError(job.ID, err)
	}
	return &Download{
		JobID:       job.ID,
		File:        f,
		Size:        info.Size(),
		Filename:    file,
		ContentType: "image/png",
	}, nil
}

func (s *Service) storageLookupError(jobID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidPath) {
		return jobs.NotFound(jobID)
	}
	return jobs.StorageFailure("成果物の読み込みに失敗しました。", err)
}

// lookup はツール名が一致するジョブを返します。別のツールのジョブは存在しないものとして扱います。
func (s *Service) lookup(ctx context.Context, name jobs.Tool, jobID string) (Tool, *jobs.Job, error) {
	tool, ok := s.registry.Get(name)
	if !ok {
		return nil, nil, jobs.NotFound(jobID)
	}
	if !storage.ValidJobID(jobID) {
		return nil, nil, jobs.NotFound(jobID)
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Tool != name {
		return nil, nil, jobs.NotFound(jobID)
	}
	return tool, job, nil
}

func (s *Service) view(job *jobs.Job) *jobs.Job {
	if job.Status == jobs.StatusProcessing || job.Status == jobs.StatusExpired {
		return job
	}
	if job.IsExpired(s.now()) {
		v := job.Clone()
		v.Status = jobs.StatusExpired
		return v
	}
	return job
}

// dispatch はジョブを実行に回します。失敗したジョブは failed として記録します。
func (s *Service) dispatch(ctx context.Context, job *jobs.Job, logger *slog.Logger) error {
	err := s.dispatcher.Dispatch(ctx, job)
	if err == nil {
		return nil
	}
	if errors.Is(err, jobs.ErrInvalidState) || errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	logger.Error("failed to dispatch job", "error", err)

	code, msg := jobs.ErrProcessing.Code, "ジョブの実行を開始できませんでした。"
	if jobErr := jobs.AsError(err); jobErr != nil {
		code, msg = jobErr.Code, jobErr.Message
	}
	if _, updErr := s.store.UpdateStatus(context.WithoutCancel(ctx), job.ID, jobs.StatusFailed, jobs.WithError(code, msg)); updErr != nil {
		logger.Error("failed to mark job failed", "error", updErr)
	}
	return err
}

// discard は作成途中のジョブをストレージ、レコードの順に削除します。
func (s *Service) discard(jobID string, logger *slog.Logger) {
	ctx := context.Background()
	if err := s.storage.Delete(jobID); err != nil {
		logger.Error("failed to remove job dir", "error", err)
		return
	}
	if err := s.store.Delete(ctx, jobID); err != nil {
		logger.Error("failed to remove job record", "error", err)
	}
}
