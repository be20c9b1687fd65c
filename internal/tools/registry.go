package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// Registry は登録済みツールの一覧です。jobs.WorkResolver を実装します。
type Registry struct {
	storage *storage.Local
	tools   map[jobs.Tool]Tool
	order   []jobs.Tool
}

// NewRegistry は Registry を作成します。
func NewRegistry(st *storage.Local, tools ...Tool) *Registry {
	r := &Registry{storage: st, tools: make(map[jobs.Tool]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register はツールを登録します。同名のツールは置き換えます。
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name jobs.Tool) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools は登録順にツールを返します。
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Resolve はジョブのツールから変換処理を組み立てます。
func (r *Registry) Resolve(ctx context.Context, job *jobs.Job) (jobs.Work, error) {
	t, ok := r.tools[job.Tool]
	if !ok {
		return nil, fmt.Errorf("no tool registered for %q", job.Tool)
	}
	dir, err := r.storage.Dir(job.ID)
	if err != nil {
		return nil, jobs.StorageFailure("ジョブディレクトリの参照に失敗しました。", err)
	}
	return t.Work(ctx, job, dir)
}

// Slug は URL で使うツール名です（pdf_to_images → pdf-to-images）。
func Slug(name jobs.Tool) string {
	return strings.ReplaceAll(string(name), "_", "-")
}
