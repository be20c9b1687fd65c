package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	expiryIndexKey = "jobs:expires"
	maxTxRetries   = 16
)

// RedisStore はジョブ状態を Redis に保存します。
// キーには Redis の TTL を設定しません。期限切れレコードは成果物の削除後に掃除処理が消します。
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, opts ...StoreOption) *RedisStore {
	o := buildStoreOptions(opts)
	return &RedisStore{
		rdb: rdb,
		now: o.now,
	}
}

func (s *RedisStore) Create(ctx context.Context, tool Tool, totalUnits int, ttl time.Duration) (*Job, error) {
	job := newJob(tool, totalUnits, ttl, s.now())
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, 0)
	pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(job.ExpiresAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, NotFound(id)
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// updatePartial は WATCH による楽観ロックでジョブを読み取り→変更→書き戻しします。
func (s *RedisStore) updatePartial(ctx context.Context, id string, mutate func(*Job) (bool, error)) (*Job, error) {
	key := jobKey(id)
	var result *Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return NotFound(id)
		}
		if err != nil {
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		changed, err := mutate(&job)
		if err != nil {
			return err
		}
		result = &job
		if !changed {
			return nil
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent updates", id)
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*Job, error) {
	return s.updatePartial(ctx, id, func(job *Job) (bool, error) {
		return applyStatus(job, status, opts, s.now())
	})
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, processed int) error {
	_, err := s.updatePartial(ctx, id, func(job *Job) (bool, error) {
		return applyProgress(job, processed, s.now()), nil
	})
	return err
}

func (s *RedisStore) UpdateInput(ctx context.Context, id string, in Input) error {
	_, err := s.updatePartial(ctx, id, func(job *Job) (bool, error) {
		if err := applyInput(job, in, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// candidateIDs は期限インデックスから対象となり得る ID を返します。
func (s *RedisStore) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	max := "+inf"
	if !f.ExpiredAsOf.IsZero() {
		max = strconv.FormatInt(f.ExpiredAsOf.UnixMilli(), 10)
	}
	return s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
}

func (s *RedisStore) load(ctx context.Context, f Filter) ([]*Job, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	out := make([]*Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// インデックスだけ残っているレコードは削除済みとして扱う
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, err
		}
		if f.Match(&job) {
			out = append(out, &job)
		}
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	jobs, err := s.load(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return paginate(jobs, f.Limit, f.Offset), nil
}

func (s *RedisStore) Count(ctx context.Context, f Filter) (int, error) {
	jobs, err := s.load(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, expiryIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
