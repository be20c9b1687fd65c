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
	compressUnits    = 3
	compressedPrefix = "compressed"
	defaultPreset    = "balanced"
)

// qualityPresets はプリセットごとの JPEG 品質です。
var qualityPresets = map[string]int{
	"maximum":      98,
	"high":         90,
	"balanced":     75,
	"compress":     60,
	"max_compress": 40,
}

// Compress は画像を再エンコードして容量を減らします。
// targetSizeKb を指定すると品質を二分探索して目標サイズに合わせます。
type Compress struct {
	env tools.Env
}

func NewCompress(env tools.Env) *Compress {
	return &Compress{env: env}
}

type compressParams struct {
	Preset     string `json:"preset,omitempty"`
	Quality    int    `json:"quality"`
	TargetSize int64  `json:"targetSize,omitempty"`
	MaxWidth   int    `json:"maxWidth,omitempty"`
	MaxHeight  int    `json:"maxHeight,omitempty"`
}

func (t *Compress) Name() jobs.Tool   { return jobs.ToolImageCompress }
func (t *Compress) TwoPhase() bool    { return false }
func (t *Compress) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Compress) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
	if err != nil {
		return nil, err
	}
	params, err := parseCompressParams(req)
	if err != nil {
		return nil, err
	}
	file, err := tools.SaveUpload(ctx, t.env.Storage, dir, up, "source", t.env.Limits, tools.ImageMIMETypes...)
	if err != nil {
		return nil, err
	}
	cfg, _, err := inspect(file.Path(dir))
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
		TotalUnits: compressUnits,
		Metadata: &jobs.ImageCompressMeta{
			Source:       file.Source(),
			Quality:      params.Quality,
			TargetSize:   params.TargetSize,
			OriginalSize: file.Size,
			Width:        cfg.Width,
			Height:       cfg.Height,
		},
	}, nil
}

func parseCompressParams(req *tools.PrepareRequest) (compressParams, error) {
	params := compressParams{Preset: strings.ToLower(req.Param("preset"))}
	if params.Preset == "" {
		params.Preset = defaultPreset
	}
	q, ok := qualityPresets[params.Preset]
	if !ok {
		return params, jobs.Validation("INVALID_INPUT",
			"presetには maximum、high、balanced、compress、max_compress のいずれかを指定してください。")
	}
	params.Quality = q

	if v := req.Param("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 1 || q > 100 {
			return params, jobs.Validation("INVALID_INPUT", "qualityには1〜100の整数を指定してください。")
		}
		params.Quality = q
	}
	if v := req.Param("targetSizeKb"); v != "" {
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

func (t *Compress) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	return jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
}

func (t *Compress) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params compressParams
	file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		img, decoded, err := decodeFile(file.Path(dir))
		if err != nil {
			return nil, err
		}
		report(1, compressUnits)

		meta := &jobs.ImageCompressMeta{
			Source:       file.Source(),
			TargetSize:   params.TargetSize,
			OriginalSize: file.Size,
		}
		b := img.Bounds()
		if w, h := fitWithin(b.Dx(), b.Dy(), params.MaxWidth, params.MaxHeight); w != b.Dx() || h != b.Dy() {
			img = scale(img, w, h)
			meta.Resized = true
		}

		// 目標サイズの探索は品質が効く JPEG でしか意味を持たない
		format := outputFormat(decoded)
		if params.TargetSize > 0 || format == FormatBMP || format == FormatTIFF {
			format = FormatJPEG
		}
		if format == FormatJPEG {
			img = flatten(img)
		}

		quality := params.Quality
		meta.TargetMet = true
		if params.TargetSize > 0 {
			encoder := func(ctx context.Context, q int) (int64, error) {
				return encodedSize(img, FormatJPEG, q)
			}
			result, err := sizesearch.SearchQuality(ctx, file.Size, params.TargetSize, encoder, sizesearch.QualityOptions{})
			if err != nil {
				return nil, err
			}
			quality = result.Quality
			meta.TargetMet = result.Outcome.Met
			meta.Warning = result.Outcome.Warning
			t.env.Log().Info("quality search finished",
				"job_id", dir.JobID, "quality", quality, "iterations", result.Iterations, "met", result.Outcome.Met)
		}
		report(2, compressUnits)

		outName := compressedPrefix + format.Ext()
		size, err := writeImage(dir.Join(storage.OutDir, outName), img, format, quality)
		if err != nil {
			return nil, err
		}
		report(compressUnits, compressUnits)

		meta.Format = string(format)
		meta.Quality = quality
		meta.CompressedSize = size
		meta.ReductionPercent = sizesearch.ReductionPercent(file.Size, size)
		meta.Width, meta.Height = img.Bounds().Dx(), img.Bounds().Dy()
		return &jobs.Output{Ref: path.Join(storage.OutDir, outName), Metadata: meta}, nil
	}, nil
}

func (t *Compress) Artifact(job *jobs.Job) tools.Artifact {
	name := "image"
	format := FormatJPEG
	if meta, ok := job.Metadata.(*jobs.ImageCompressMeta); ok {
		name = tools.OriginalStem(meta.Source.Name)
		if meta.Format != "" {
			format = Format(meta.Format)
		}
	}
	return tools.Artifact{
		Filename:    fmt.Sprintf("%s_compressed%s", name, format.Ext()),
		ContentType: format.ContentType(),
	}
}
