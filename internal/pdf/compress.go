package pdf

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/sizesearch"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	compressedFilename = "compressed.pdf"
	compressTrialsDir  = "trials"
	compressUnits      = 100
	compressSearchEnd  = 90
)

// compressPresets は圧縮率の目安ごとの解像度と JPEG 品質です。
var compressPresets = map[string]sizesearch.Candidate{
	"low":    {DPI: 72, Quality: 50},
	"medium": {DPI: 150, Quality: 75},
	"high":   {DPI: 300, Quality: 85},
}

// Compress は Ghostscript でPDFを再圧縮します。
// プリセット指定のほか、削減率か最大サイズを指定すると候補表から目標に合う設定を探します。
type Compress struct {
	env tools.Env
}

func NewCompress(env tools.Env) *Compress {
	return &Compress{env: env}
}

// compressRequest は確認操作のボディです。
type compressRequest struct {
	Preset            string   `json:"preset"`
	CompressByPercent *float64 `json:"compressByPercent"`
	MaxFileSizeMb     *float64 `json:"maxFileSizeMb"`
}

type compressParams struct {
	Preset     string `json:"preset,omitempty"`
	DPI        int    `json:"dpi,omitempty"`
	Quality    int    `json:"quality,omitempty"`
	TargetSize int64  `json:"targetSize,omitempty"`
}

func (t *Compress) Name() jobs.Tool   { return jobs.ToolCompressPDF }
func (t *Compress) TwoPhase() bool    { return true }
func (t *Compress) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Compress) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
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

	m, err := tools.NewManifest(dir, t.Name(), []tools.ManifestFile{file}, nil)
	if err != nil {
		return nil, err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return nil, jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}
	return &tools.Prepared{
		InputRef:   path.Join(storage.InDir, file.StoredName),
		TotalUnits: compressUnits,
		Metadata:   &jobs.CompressMeta{Source: file.Source(), OriginalSize: file.Size},
	}, nil
}

// Confirm は preset、compressByPercent、maxFileSizeMb のいずれか1つを受け付けます。
// 何も指定しない場合は medium で圧縮します。
func (t *Compress) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	var req compressRequest
	if err := decodeBody(body, &req); err != nil {
		return err
	}
	m, file, err := loadManifest(dir, nil)
	if err != nil {
		return err
	}
	params, err := resolveCompressParams(req, file.Size)
	if err != nil {
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

func resolveCompressParams(req compressRequest, original int64) (compressParams, error) {
	modes := 0
	if req.Preset != "" {
		modes++
	}
	if req.CompressByPercent != nil {
		modes++
	}
	if req.MaxFileSizeMb != nil {
		modes++
	}
	if modes > 1 {
		return compressParams{}, jobs.Validation("INVALID_INPUT", "preset、compressByPercent、maxFileSizeMb はいずれか1つだけ指定してください。")
	}

	switch {
	case req.CompressByPercent != nil:
		target, err := sizesearch.TargetFromPercent(original, *req.CompressByPercent)
		if err != nil {
			return compressParams{}, jobs.Validation("INVALID_INPUT", "compressByPercentには1〜99を指定してください。")
		}
		return compressParams{TargetSize: target}, nil
	case req.MaxFileSizeMb != nil:
		target, err := sizesearch.TargetFromMegabytes(*req.MaxFileSizeMb)
		if err != nil {
			return compressParams{}, jobs.Validation("INVALID_INPUT", "maxFileSizeMbには正の数を指定してください。")
		}
		return compressParams{TargetSize: target}, nil
	}

	name := strings.ToLower(strings.TrimSpace(req.Preset))
	if name == "" {
		name = "medium"
	}
	preset, ok := compressPresets[name]
	if !ok {
		return compressParams{}, jobs.Validation("INVALID_INPUT",
			fmt.Sprintf("presetには low、medium、high のいずれかを指定してください (received: %s)", req.Preset))
	}
	return compressParams{Preset: name, DPI: preset.DPI, Quality: preset.Quality}, nil
}

func (t *Compress) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params compressParams
	_, file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	if params.TargetSize <= 0 && params.DPI <= 0 {
		return nil, jobs.Validation("INVALID_INPUT", "圧縮設定が確定していません。")
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		outPath := dir.Join(storage.OutDir, compressedFilename)
		meta := &jobs.CompressMeta{
			Source:       file.Source(),
			Preset:       params.Preset,
			TargetSize:   params.TargetSize,
			OriginalSize: file.Size,
		}

		if params.TargetSize > 0 {
			if err := t.searchTarget(ctx, dir, file, params.TargetSize, outPath, meta, report); err != nil {
				return nil, err
			}
		} else {
			c := sizesearch.Candidate{DPI: params.DPI, Quality: params.Quality}
			size, err := t.encode(ctx, file.Path(dir), outPath, c)
			if err != nil {
				return nil, err
			}
			meta.DPI, meta.Quality = c.DPI, c.Quality
			meta.CompressedSize = size
			meta.ReductionPercent = sizesearch.ReductionPercent(file.Size, size)
			meta.TargetMet = true
		}
		report(compressUnits, compressUnits)
		return &jobs.Output{Ref: path.Join(storage.OutDir, compressedFilename), Metadata: meta}, nil
	}, nil
}

// searchTarget は候補表を順に試し、選ばれた候補の出力を outPath に置きます。
// どの候補も使えなかった場合は最低設定でもう一度圧縮します。
func (t *Compress) searchTarget(ctx context.Context, dir storage.Dir, file tools.ManifestFile, target int64, outPath string, meta *jobs.CompressMeta, report jobs.ReportFunc) error {
	trialsDir := dir.Join(storage.OutDir, compressTrialsDir)
	if err := os.MkdirAll(trialsDir, 0o750); err != nil {
		return jobs.StorageFailure("作業ディレクトリの作成に失敗しました。", err)
	}
	defer os.RemoveAll(trialsDir)

	trialPath := func(c sizesearch.Candidate) string {
		return dir.Join(storage.OutDir, compressTrialsDir, fmt.Sprintf("dpi%d-q%d.pdf", c.DPI, c.Quality))
	}
	logger := t.env.Log().With("job_id", dir.JobID)
	encode := func(ctx context.Context, c sizesearch.Candidate) (int64, error) {
		size, err := t.encode(ctx, file.Path(dir), trialPath(c), c)
		if err != nil {
			logger.Warn("compression candidate failed", "candidate", c.String(), "error", err)
		}
		return size, err
	}
	progress := sizesearch.WithProgress(func(done, total int) {
		report(done*compressSearchEnd/total, compressUnits)
	})

	result, err := sizesearch.SearchLadder(ctx, file.Size, target, sizesearch.DefaultLadder, encode, progress)
	if err != nil {
		return err
	}

	chosen, outcome := result.Candidate, result.Outcome
	if result.Fallback {
		chosen = sizesearch.LastResort
		size, err := t.encode(ctx, file.Path(dir), outPath, chosen)
		if err != nil {
			return err
		}
		outcome = sizesearch.Evaluate(file.Size, target, size)
		if outcome.Warning == "" {
			outcome.Warning = result.Outcome.Warning
		} else {
			outcome.Warning = result.Outcome.Warning + outcome.Warning
		}
	} else if err := os.Rename(trialPath(chosen), outPath); err != nil {
		return jobs.StorageFailure("出力ファイルの保存に失敗しました。", err)
	}

	meta.DPI, meta.Quality = chosen.DPI, chosen.Quality
	meta.CompressedSize = outcome.AchievedSize
	meta.ReductionPercent = outcome.ReductionPercent
	meta.TargetMet = outcome.Met
	meta.Warning = outcome.Warning
	return nil
}

func (t *Compress) encode(ctx context.Context, in, out string, c sizesearch.Candidate) (int64, error) {
	if err := t.env.Ghostscript.Run(ctx, compressArgs(c, out, in)...); err != nil {
		return 0, err
	}
	size, err := fileSize(out)
	if err != nil {
		return 0, jobs.StorageFailure("圧縮後ファイルの確認に失敗しました。", err)
	}
	return size, nil
}

// compressArgs は画像を c の解像度に縮小して JPEG 品質 c.Quality で再エンコードする pdfwrite の引数です。
func compressArgs(c sizesearch.Candidate, outputPath, inputPath string) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dDownsampleColorImages=true",
		"-dDownsampleGrayImages=true",
		"-dDownsampleMonoImages=true",
		"-dColorImageDownsampleType=/Bicubic",
		"-dGrayImageDownsampleType=/Bicubic",
		fmt.Sprintf("-dColorImageResolution=%d", c.DPI),
		fmt.Sprintf("-dGrayImageResolution=%d", c.DPI),
		fmt.Sprintf("-dMonoImageResolution=%d", c.DPI),
		"-dAutoFilterColorImages=false",
		"-dAutoFilterGrayImages=false",
		"-dColorImageFilter=/DCTEncode",
		"-dGrayImageFilter=/DCTEncode",
		fmt.Sprintf("-dJPEGQ=%d", c.Quality),
		"-sOutputFile=" + outputPath,
		inputPath,
	}
}

func (t *Compress) Artifact(job *jobs.Job) tools.Artifact {
	return tools.Artifact{Filename: sourceName(job, "document") + "_compressed.pdf", ContentType: contentTypePDF}
}
