package pdf

import (
	"context"
	"fmt"
	"path"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	mergeMinFiles  = 2
	mergeMaxFiles  = 10
	mergedFilename = "merged.pdf"
)

// Merge は複数のPDFを指定順に1つに結合します。
// アップロード後に結合順を確認してから実行します。
type Merge struct {
	env tools.Env
}

func NewMerge(env tools.Env) *Merge {
	return &Merge{env: env}
}

type mergeParams struct {
	FileOrder []int `json:"fileOrder,omitempty"`
}

func (t *Merge) Name() jobs.Tool   { return jobs.ToolMergePDF }
func (t *Merge) TwoPhase() bool    { return true }
func (t *Merge) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Merge) maxFiles() int {
	if t.env.Limits.MaxFiles > 0 && t.env.Limits.MaxFiles < mergeMaxFiles {
		return t.env.Limits.MaxFiles
	}
	return mergeMaxFiles
}

func (t *Merge) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	if len(req.Files) < mergeMinFiles {
		return nil, jobs.Validation("INVALID_INPUT", fmt.Sprintf("PDFファイルを%d個以上選択してください。", mergeMinFiles))
	}
	if len(req.Files) > t.maxFiles() {
		return nil, jobs.Validation("LIMIT_EXCEEDED", fmt.Sprintf("結合できるのは%d個までです。", t.maxFiles()))
	}

	files := make([]tools.ManifestFile, 0, len(req.Files))
	sources := make([]jobs.SourceFile, 0, len(req.Files))
	totalPages := 0
	for i, up := range req.Files {
		file, err := savePDF(ctx, t.env, dir, up, fmt.Sprintf("%02d", i+1))
		if err != nil {
			return nil, err
		}
		totalPages += file.Pages
		if t.env.Limits.MaxPages > 0 && totalPages > t.env.Limits.MaxPages {
			return nil, jobs.Validation("LIMIT_EXCEEDED",
				fmt.Sprintf("合計ページ数が上限（%d）を超えています。", t.env.Limits.MaxPages))
		}
		files = append(files, file)
		sources = append(sources, file.Source())
	}

	m, err := tools.NewManifest(dir, t.Name(), files, mergeParams{})
	if err != nil {
		return nil, err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return nil, jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}
	return &tools.Prepared{
		InputRef:   storage.InDir,
		TotalUnits: len(files),
		Metadata:   &jobs.MergeMeta{Files: sources, TotalPages: totalPages},
	}, nil
}

// Confirm は {"fileOrder":[...]} を受け付けます。省略時はアップロード順で結合します。
func (t *Merge) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	var params mergeParams
	if err := decodeBody(body, &params); err != nil {
		return err
	}
	m, err := tools.LoadManifest(dir)
	if err != nil {
		return jobs.StorageFailure("ジョブ情報の読み込みに失敗しました。", err)
	}
	if len(params.FileOrder) == 0 {
		params.FileOrder = identityOrder(len(m.Files))
	}
	if err := validateOrder("fileOrder", params.FileOrder, len(m.Files)); err != nil {
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

func (t *Merge) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params mergeParams
	m, _, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	order := params.FileOrder
	if len(order) == 0 {
		order = identityOrder(len(m.Files))
	}
	if err := validateOrder("fileOrder", order, len(m.Files)); err != nil {
		return nil, err
	}

	inputs := make([]string, len(order))
	sources := make([]jobs.SourceFile, len(m.Files))
	totalPages := 0
	for i, f := range m.Files {
		sources[i] = f.Source()
		totalPages += f.Pages
	}
	for i, idx := range order {
		inputs[i] = m.Files[idx].Path(dir)
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		outPath := dir.Join(storage.OutDir, mergedFilename)
		if err := pdfapi.MergeCreateFile(inputs[:mergeMinFiles], outPath, false, nil); err != nil {
			return nil, jobs.Processing("UNSUPPORTED_PDF", "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
		}
		report(mergeMinFiles, len(inputs))
		for i := mergeMinFiles; i < len(inputs); i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := pdfapi.MergeAppendFile(inputs[i:i+1], outPath, false, nil); err != nil {
				return nil, jobs.Processing("UNSUPPORTED_PDF",
					fmt.Sprintf("%s の結合に失敗しました。", sources[order[i]].Name), err)
			}
			report(i+1, len(inputs))
		}

		size, err := fileSize(outPath)
		if err != nil {
			return nil, jobs.StorageFailure("出力ファイルの確認に失敗しました。", err)
		}
		return &jobs.Output{
			Ref: path.Join(storage.OutDir, mergedFilename),
			Metadata: &jobs.MergeMeta{
				Files:      sources,
				FileOrder:  append([]int(nil), order...),
				TotalPages: totalPages,
				OutputSize: size,
			},
		}, nil
	}, nil
}

func (t *Merge) Artifact(job *jobs.Job) tools.Artifact {
	return tools.Artifact{Filename: mergedFilename, ContentType: contentTypePDF}
}
