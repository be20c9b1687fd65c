package pdf

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	renderDefaultDPI = 200
	renderMinDPI     = 72
	renderMaxDPI     = 600
	renderJPEGQ      = 90
	renderPagesDir   = "pages"
	renderFilename   = "pages.zip"
)

// Render はPDFの各ページを画像に変換して zip にまとめます。
type Render struct {
	env tools.Env
}

func NewRender(env tools.Env) *Render {
	return &Render{env: env}
}

type renderParams struct {
	DPI    int    `json:"dpi"`
	Format string `json:"format"`
}

func (p renderParams) device() (device, ext string, extra []string) {
	if p.Format == "jpeg" {
		return "jpeg", ".jpg", []string{fmt.Sprintf("-dJPEGQ=%d", renderJPEGQ)}
	}
	return "png16m", ".png", nil
}

func (t *Render) Name() jobs.Tool   { return jobs.ToolPDFToImages }
func (t *Render) TwoPhase() bool    { return false }
func (t *Render) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Render) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
	if err != nil {
		return nil, err
	}
	params, err := parseRenderParams(req)
	if err != nil {
		return nil, err
	}
	if err := requireGhostscript(t.env); err != nil {
		return nil, err
	}
	file, err := savePDF(ctx, t.env, dir, up, "source")
	if err != nil {
		return nil, err
	}

	m, err := tools.NewManifest(dir, t.Name(), []tools.ManifestFile{file}, params)
	if err != nil {
		return nil, err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return nil, jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}
	return &tools.Prepared{
		InputRef:   path.Join(storage.InDir, file.StoredName),
		TotalUnits: file.Pages + 1,
		Metadata:   &jobs.RenderMeta{Source: file.Source(), DPI: params.DPI, Format: params.Format},
	}, nil
}

func parseRenderParams(req *tools.PrepareRequest) (renderParams, error) {
	params := renderParams{DPI: renderDefaultDPI, Format: "png"}
	if v := req.Param("dpi"); v != "" {
		dpi, err := strconv.Atoi(v)
		if err != nil || dpi < renderMinDPI || dpi > renderMaxDPI {
			return params, jobs.Validation("INVALID_INPUT",
				fmt.Sprintf("dpiには%d〜%dの整数を指定してください。", renderMinDPI, renderMaxDPI))
		}
		params.DPI = dpi
	}
	switch f := strings.ToLower(req.Param("format")); f {
	case "", "png":
	case "jpeg", "jpg":
		params.Format = "jpeg"
	default:
		return params, jobs.Validation("INVALID_INPUT", "formatには png または jpeg を指定してください。")
	}
	return params, nil
}

func (t *Render) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	return jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
}

func (t *Render) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params renderParams
	_, file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	device, ext, extra := params.device()
	stem := tools.OriginalStem(file.OriginalName)

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		pagesDir := dir.Join(storage.OutDir, renderPagesDir)
		if err := os.MkdirAll(pagesDir, 0o750); err != nil {
			return nil, jobs.StorageFailure("出力ディレクトリの作成に失敗しました。", err)
		}

		total := file.Pages + 1
		images := make([]string, 0, file.Pages)
		paths := make([]string, 0, file.Pages)
		for p := 1; p <= file.Pages; p++ {
			name := fmt.Sprintf("%s_page-%03d%s", stem, p, ext)
			out := dir.Join(storage.OutDir, renderPagesDir, name)
			args := tools.RenderArgs(device, params.DPI, p, p, out, file.Path(dir), extra...)
			if err := t.env.Ghostscript.Run(ctx, args...); err != nil {
				return nil, err
			}
			images = append(images, name)
			paths = append(paths, out)
			report(p, total)
		}

		if err := tools.CreateZip(dir.Join(storage.OutDir, renderFilename), paths); err != nil {
			return nil, jobs.StorageFailure("zipファイルの作成に失敗しました。", err)
		}
		report(total, total)
		return &jobs.Output{
			Ref: path.Join(storage.OutDir, renderFilename),
			Metadata: &jobs.RenderMeta{
				Source: file.Source(),
				DPI:    params.DPI,
				Format: params.Format,
				Images: images,
			},
		}, nil
	}, nil
}

func (t *Render) Artifact(job *jobs.Job) tools.Artifact {
	return tools.Artifact{Filename: sourceName(job, "document") + "_images.zip", ContentType: contentTypeZIP}
}
