package imaging

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/sizesearch"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	convertUnits   = 3
	convertedBase  = "converted"
	defaultQuality = 85
)

// convertFormats は format パラメーターの表記と書き出し形式の対応です。
// webp と avif は読めても書き出せないため含めません。
var convertFormats = map[string]Format{
	"jpeg": FormatJPEG,
	"jpg":  FormatJPEG,
	"png":  FormatPNG,
	"gif":  FormatGIF,
	"bmp":  FormatBMP,
	"tiff": FormatTIFF,
	"tif":  FormatTIFF,
}

// Convert は画像を指定した形式に書き出します。
type Convert struct {
	env tools.Env
}

func NewConvert(env tools.Env) *Convert {
	return &Convert{env: env}
}

type convertParams struct {
	Format     Format `json:"format"`
	Quality    int    `json:"quality"`
	TargetSize int64  `json:"targetSize,omitempty"`
	MaxWidth   int    `json:"maxWidth,omitempty"`
	MaxHeight  int    `json:"maxHeight,omitempty"`
}

func (t *Convert) Name() jobs.Tool   { return jobs.ToolImageConvert }
func (t *Convert) TwoPhase() bool    { return false }
func (t *Convert) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Convert) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
	if err != nil {
		return nil, err
	}
	params, err := parseConvertParams(req)
	if err != nil {
		return nil, err
	}
	file, err := tools.SaveUpload(ctx, t.env.Storage, dir, up, "source", t.env.Limits, tools.ImageMIMETypes...)
	if err != nil {
		return nil, err
	}
	cfg, decoded, err := inspect(file.Path(dir))
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
		TotalUnits: convertUnits,
		Metadata: &jobs.ConvertMeta{
			Source:         file.Source(),
			OriginalFormat: decoded,
			Format:         string(params.Format),
			Quality:        params.Quality,
			TargetSize:     params.TargetSize,
			OriginalSize:   file.Size,
			OriginalWidth:  cfg.Width,
			OriginalHeight: cfg.Height,
		},
	}, nil
}

func parseConvertParams(req *tools.PrepareRequest) (convertParams, error) {
	var params convertParams
	name := strings.ToLower(strings.TrimPrefix(req.Param("format"), "."))
	if name == "" {
		return params, jobs.Validation("INVALID_INPUT", "formatを指定してください。")
	}
	format, ok := convertFormats[name]
	if !ok {
		return params, jobs.Validation("INVALID_INPUT",
			"formatには jpeg、png、gif、bmp、tiff のいずれかを指定してください。")
	}
	params.Format = format

	params.Quality = defaultQuality
	if v := req.Param("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 1 || q > 100 {
			return params, jobs.Validation("INVALID_INPUT", "qualityには1〜100の整数を指定してください。")
		}
		params.Quality = q
	}
	if v := req.Param("targetSizeKb"); v != "" {
		if format != FormatJPEG {
			return params, jobs.Validation("INVALID_INPUT", "targetSizeKbはJPEGへの変換でのみ指定できます。")
		}
		kb, err := strconv.ParseFloat(v, 64)
		if err != nil || kb <= 0 {
			return params, jobs.Validation("INVALID_INPUT", "targetSizeKbには正の数を指定してください。")
		}
		params.TargetSize = int64(kb * 1024)
	}

	var err error
	if params.MaxWidth, err = dimensionParam(req, "maxWidth"); err != nil {
		return params, err
	}
	if params.MaxHeight, err = dimensionParam(req, "maxHeight"); err != nil {
		return params, err
	}
	return params, nil
}

func (t *Convert) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	return jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
}

func (t *Convert) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params convertParams
	file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		img, decoded, err := decodeFile(file.Path(dir))
		if err != nil {
			return nil, err
		}
		report(1, convertUnits)

		b := img.Bounds()
		meta := &jobs.ConvertMeta{
			Source:         file.Source(),
			OriginalFormat: decoded,
			Format:         string(params.Format),
			TargetSize:     params.TargetSize,
			TargetMet:      true,
			OriginalSize:   file.Size,
			OriginalWidth:  b.Dx(),
			OriginalHeight: b.Dy(),
		}
		if w, h := fitWithin(b.Dx(), b.Dy(), params.MaxWidth, params.MaxHeight); w != b.Dx() || h != b.Dy() {
			img = scale(img, w, h)
			meta.Resized = true
		}
		if params.Format == FormatJPEG {
			img = flatten(img)
			meta.Quality = params.Quality
		}

		if params.TargetSize > 0 {
			encoder := func(ctx context.Context, q int) (int64, error) {
				return encodedSize(img, FormatJPEG, q)
			}
			result, err := sizesearch.SearchQuality(ctx, file.Size, params.TargetSize, encoder, sizesearch.QualityOptions{})
			if err != nil {
				return nil, err
			}
			meta.Quality = result.Quality
			meta.TargetMet = result.Outcome.Met
			meta.Warning = result.Outcome.Warning
			t.env.Log().Info("quality search finished",
				"job_id", dir.JobID, "quality", result.Quality, "iterations", result.Iterations, "met", result.Outcome.Met)
		}
		report(2, convertUnits)

		// 品質は JPEG にしか効かない
		outName := convertedBase + params.Format.Ext()
		size, err := writeImage(dir.Join(storage.OutDir, outName), img, params.Format, meta.Quality)
		if err != nil {
			return nil, err
		}
		report(convertUnits, convertUnits)

		meta.OutputSize = size
		if p := sizesearch.ReductionPercent(file.Size, size); p != 0 {
			meta.SizeDiffPercent = -p
		}
		meta.Width, meta.Height = img.Bounds().Dx(), img.Bounds().Dy()
		return &jobs.Output{Ref: path.Join(storage.OutDir, outName), Metadata: meta}, nil
	}, nil
}

func (t *Convert) Artifact(job *jobs.Job) tools.Artifact {
	name := "image"
	format := FormatPNG
	if meta, ok := job.Metadata.(*jobs.ConvertMeta); ok {
		name = tools.OriginalStem(meta.Source.Name)
		if meta.Format != "" {
			format = Format(meta.Format)
		}
	}
	return tools.Artifact{
		Filename:    fmt.Sprintf("%s_converted%s", name, format.Ext()),
		ContentType: format.ContentType(),
	}
}
