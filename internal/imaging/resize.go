package imaging

import (
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	resizeUnits     = 3
	resizedPrefix   = "resized"
	maxScalePercent = 400
)

type box struct {
	Width, Height int
}

// resizePresets は縦横比を保ったまま収める枠の大きさです。
var resizePresets = map[string]box{
	"thumbnail": {150, 150},
	"small":     {480, 480},
	"medium":    {800, 800},
	"large":     {1200, 1200},
	"hd":        {1920, 1080},
	"4k":        {3840, 2160},
}

// Resize は画像の大きさを変更します。
// プリセットの枠、倍率、幅と高さの指定のいずれか1つで大きさを決めます。
type Resize struct {
	env tools.Env
}

func NewResize(env tools.Env) *Resize {
	return &Resize{env: env}
}

type resizeParams struct {
	Method         string `json:"method"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	OriginalWidth  int    `json:"originalWidth"`
	OriginalHeight int    `json:"originalHeight"`
}

func (p resizeParams) upscaled() bool {
	return p.Width > p.OriginalWidth || p.Height > p.OriginalHeight
}

func (t *Resize) Name() jobs.Tool   { return jobs.ToolImageResize }
func (t *Resize) TwoPhase() bool    { return false }
func (t *Resize) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Resize) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
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
	params, err := resolveResize(req, cfg.Width, cfg.Height)
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
		TotalUnits: resizeUnits,
		Metadata:   resizeMeta(file, params, 0),
	}, nil
}

// resolveResize はリクエストから出力の大きさを決めます。
func resolveResize(req *tools.PrepareRequest, ow, oh int) (resizeParams, error) {
	params := resizeParams{OriginalWidth: ow, OriginalHeight: oh}
	preset := strings.ToLower(req.Param("preset"))
	percent := req.Param("scalePercent")
	width, err := dimensionParam(req, "width")
	if err != nil {
		return params, err
	}
	height, err := dimensionParam(req, "height")
	if err != nil {
		return params, err
	}

	modes := 0
	for _, set := range []bool{preset != "", percent != "", width > 0 || height > 0} {
		if set {
			modes++
		}
	}
	switch {
	case modes == 0:
		return params, jobs.Validation("INVALID_INPUT", "preset、scalePercent、width/height のいずれかを指定してください。")
	case modes > 1:
		return params, jobs.Validation("INVALID_INPUT", "preset、scalePercent、width/height はいずれか1つだけ指定してください。")
	}

	switch {
	case preset != "":
		b, ok := resizePresets[preset]
		if !ok {
			return params, jobs.Validation("INVALID_INPUT",
				"presetには thumbnail、small、medium、large、hd、4k のいずれかを指定してください。")
		}
		params.Method = "preset:" + preset
		params.Width, params.Height = fitWithin(ow, oh, b.Width, b.Height)

	case percent != "":
		p, err := strconv.ParseFloat(percent, 64)
		if err != nil || p <= 0 || p > maxScalePercent {
			return params, jobs.Validation("INVALID_INPUT", fmt.Sprintf("scalePercentには0より大きく%d以下の数を指定してください。", maxScalePercent))
		}
		params.Method = "scale"
		params.Width = scaleSide(ow, p/100)
		params.Height = scaleSide(oh, p/100)

	default:
		params.Method = "dimensions"
		keepAspect := !strings.EqualFold(req.Param("keepAspect"), "false")
		switch {
		case width > 0 && height > 0 && !keepAspect:
			params.Width, params.Height = width, height
		case width > 0 && height > 0:
			ratio := math.Min(float64(width)/float64(ow), float64(height)/float64(oh))
			params.Width, params.Height = scaleSide(ow, ratio), scaleSide(oh, ratio)
		case width > 0:
			params.Width, params.Height = width, scaleSide(oh, float64(width)/float64(ow))
		default:
			params.Width, params.Height = scaleSide(ow, float64(height)/float64(oh)), height
		}
	}

	if params.Width > maxDimension || params.Height > maxDimension {
		return params, jobs.Validation("LIMIT_EXCEEDED",
			fmt.Sprintf("出力サイズ（%d×%d）が上限（%dpx）を超えています。", params.Width, params.Height, maxDimension))
	}
	return params, nil
}

func scaleSide(n int, ratio float64) int {
	return max(1, int(math.Round(float64(n)*ratio)))
}

func resizeMeta(file tools.ManifestFile, p resizeParams, outputSize int64) *jobs.ResizeMeta {
	return &jobs.ResizeMeta{
		Source:         file.Source(),
		Method:         p.Method,
		OriginalWidth:  p.OriginalWidth,
		OriginalHeight: p.OriginalHeight,
		Width:          p.Width,
		Height:         p.Height,
		Upscaled:       p.upscaled(),
		OutputSize:     outputSize,
	}
}

func (t *Resize) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	return jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
}

func (t *Resize) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params resizeParams
	file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	if params.Width <= 0 || params.Height <= 0 {
		return nil, jobs.Validation("INVALID_INPUT", "出力サイズが確定していません。")
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		img, decoded, err := decodeFile(file.Path(dir))
		if err != nil {
			return nil, err
		}
		report(1, resizeUnits)

		b := img.Bounds()
		if b.Dx() != params.Width || b.Dy() != params.Height {
			img = scale(img, params.Width, params.Height)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report(2, resizeUnits)

		format := outputFormat(decoded)
		outName := resizedPrefix + format.Ext()
		size, err := writeImage(dir.Join(storage.OutDir, outName), img, format, defaultJPEGQuality)
		if err != nil {
			return nil, err
		}
		report(resizeUnits, resizeUnits)
		return &jobs.Output{Ref: path.Join(storage.OutDir, outName), Metadata: resizeMeta(file, params, size)}, nil
	}, nil
}

func (t *Resize) Artifact(job *jobs.Job) tools.Artifact {
	name, ext := "image", path.Ext(job.OutputRef)
	if meta, ok := job.Metadata.(*jobs.ResizeMeta); ok {
		name = fmt.Sprintf("%s_%dx%d", tools.OriginalStem(meta.Source.Name), meta.Width, meta.Height)
	}
	format := FormatPNG
	switch ext {
	case ".jpg":
		format = FormatJPEG
	case ".bmp":
		format = FormatBMP
	case ".tiff":
		format = FormatTIFF
	default:
		ext = format.Ext()
	}
	return tools.Artifact{Filename: name + ext, ContentType: format.ContentType()}
}

// Tools は env を共有する画像ツール一式を返します。
func Tools(env tools.Env) []tools.Tool {
	return []tools.Tool{NewCompress(env), NewResize(env), NewConvert(env)}
}
