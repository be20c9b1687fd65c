package pdf

import (
	"context"
	"fmt"
	"os"
	"path"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	thumbnailDPI      = 48
	organizedFilename = "organized.pdf"
)

// Organize はサムネイルを見ながら決めたページ順でPDFを組み直します。
type Organize struct {
	env tools.Env
}

func NewOrganize(env tools.Env) *Organize {
	return &Organize{env: env}
}

type organizeParams struct {
	PageOrder []int `json:"pageOrder,omitempty"`
}

func (t *Organize) Name() jobs.Tool { return jobs.ToolOrganizePDF }
func (t *Organize) TwoPhase() bool  { return true }
func (t *Organize) Subdirs() []string {
	return []string{storage.InDir, storage.OutDir, storage.ThumbnailDir}
}

func (t *Organize) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
	if err != nil {
		return nil, err
	}
	file, err := savePDF(ctx, t.env, dir, up, "source")
	if err != nil {
		return nil, err
	}

	m, err := tools.NewManifest(dir, t.Name(), []tools.ManifestFile{file}, organizeParams{})
	if err != nil {
		return nil, err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return nil, jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}

	return &tools.Prepared{
		InputRef:   path.Join(storage.InDir, file.StoredName),
		TotalUnits: 1,
		Metadata: &jobs.OrganizeMeta{
			Source:     file.Source(),
			Thumbnails: t.renderThumbnails(ctx, dir, file),
		},
	}, nil
}

// renderThumbnails はページごとのサムネイルを作成します。失敗してもジョブは続行し、作れた分だけを返します。
func (t *Organize) renderThumbnails(ctx context.Context, dir storage.Dir, file tools.ManifestFile) []string {
	logger := t.env.Log().With("job_id", dir.JobID)
	if !t.env.Ghostscript.Available() {
		logger.Warn("ghostscript not available, skipping thumbnails")
		return nil
	}
	pattern := dir.Join(storage.ThumbnailDir, "page-%03d.png")
	args := tools.RenderArgs("png16m", thumbnailDPI, 1, file.Pages, pattern, file.Path(dir))
	if err := t.env.Ghostscript.Run(ctx, args...); err != nil {
		logger.Warn("failed to render thumbnails", "error", err)
	}

	names := make([]string, 0, file.Pages)
	for p := 1; p <= file.Pages; p++ {
		name := fmt.Sprintf("page-%03d.png", p)
		if _, err := os.Stat(dir.Join(storage.ThumbnailDir, name)); err != nil {
			break
		}
		names = append(names, name)
	}
	return names
}

// Confirm は {"pageOrder":[...]} を受け付けます。全ページの 0 始まりの並べ替えが必要です。
func (t *Organize) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	var params organizeParams
	if err := decodeBody(body, &params); err != nil {
		return err
	}
	m, file, err := loadManifest(dir, nil)
	if err != nil {
		return err
	}
	if len(params.PageOrder) == 0 {
		return jobs.Validation("INVALID_INPUT", "ページの順序を指定してください。")
	}
	if err := validateOrder("pageOrder", params.PageOrder, file.Pages); err != nil {
		return err
	}
	if err := m.SetParams(params); err != nil {
		return err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}
	return nil
}

func (t *Organize) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params organizeParams
	_, file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	if err := validateOrder("pageOrder", params.PageOrder, file.Pages); err != nil {
		return nil, err
	}
	var thumbnails []string
	if meta, ok := job.Metadata.(*jobs.OrganizeMeta); ok {
		thumbnails = meta.Thumbnails
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		outPath := dir.Join(storage.OutDir, organizedFilename)
		if err := pdfapi.CollectFile(file.Path(dir), outPath, pageSelection(params.PageOrder), nil); err != nil {
			return nil, jobs.Processing("UNSUPPORTED_PDF", "PDFのページ入替に失敗しました。ファイルが破損していないか確認してください。", err)
		}
		report(1, 1)

		size, err := fileSize(outPath)
		if err != nil {
			return nil, jobs.StorageFailure("出力ファイルの確認に失敗しました。", err)
		}
		return &jobs.Output{
			Ref: path.Join(storage.OutDir, organizedFilename),
			Metadata: &jobs.OrganizeMeta{
				Source:     file.Source(),
				Thumbnails: thumbnails,
				PageOrder:  append([]int(nil), params.PageOrder...),
				OutputSize: size,
			},
		}, nil
	}, nil
}

func (t *Organize) Artifact(job *jobs.Job) tools.Artifact {
	return tools.Artifact{Filename: sourceName(job, "document") + "_organized.pdf", ContentType: contentTypePDF}
}
