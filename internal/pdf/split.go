package pdf

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	splitPartsDir = "parts"
	splitFilename = "split.zip"
)

// Split はページ範囲ごとにPDFを分割して zip にまとめます。
type Split struct {
	env tools.Env
}

func NewSplit(env tools.Env) *Split {
	return &Split{env: env}
}

type splitParams struct {
	Ranges string `json:"ranges"`
}

func (t *Split) Name() jobs.Tool   { return jobs.ToolSplitPDF }
func (t *Split) TwoPhase() bool    { return false }
func (t *Split) Subdirs() []string { return []string{storage.InDir, storage.OutDir} }

func (t *Split) Prepare(ctx context.Context, dir storage.Dir, req *tools.PrepareRequest) (*tools.Prepared, error) {
	up, err := singleUpload(req)
	if err != nil {
		return nil, err
	}
	expr := req.Param("ranges")
	if expr == "" {
		return nil, jobs.Validation("INVALID_INPUT", "分割するページ範囲を指定してください。")
	}

	file, err := savePDF(ctx, t.env, dir, up, "source")
	if err != nil {
		return nil, err
	}
	ranges, err := parsePageRanges(expr, file.Pages)
	if err != nil {
		return nil, err
	}

	m, err := tools.NewManifest(dir, t.Name(), []tools.ManifestFile{file}, splitParams{Ranges: expr})
	if err != nil {
		return nil, err
	}
	if err := tools.WriteManifest(dir, m); err != nil {
		return nil, jobs.StorageFailure("ジョブ情報の保存に失敗しました。", err)
	}
	return &tools.Prepared{
		InputRef:   path.Join(storage.InDir, file.StoredName),
		TotalUnits: len(ranges) + 1,
		Metadata:   &jobs.SplitMeta{Source: file.Source(), Ranges: ranges},
	}, nil
}

func (t *Split) Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error {
	return jobs.Validation("NOT_SUPPORTED", "このツールは確認操作を必要としません。")
}

func (t *Split) Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error) {
	var params splitParams
	_, file, err := loadManifest(dir, &params)
	if err != nil {
		return nil, err
	}
	ranges, err := parsePageRanges(params.Ranges, file.Pages)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, report jobs.ReportFunc) (*jobs.Output, error) {
		partsDir := dir.Join(storage.OutDir, splitPartsDir)
		if err := os.MkdirAll(partsDir, 0o750); err != nil {
			return nil, jobs.StorageFailure("出力ディレクトリの作成に失敗しました。", err)
		}

		total := len(ranges) + 1
		parts := make([]jobs.SplitPart, 0, len(ranges))
		partPaths := make([]string, 0, len(ranges))
		for i, pr := range ranges {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			partName := fmt.Sprintf("part-%02d.pdf", i+1)
			partPath := dir.Join(storage.OutDir, splitPartsDir, partName)
			if err := pdfapi.CollectFile(file.Path(dir), partPath, rangeSelection(pr), nil); err != nil {
				return nil, jobs.Processing("UNSUPPORTED_PDF", fmt.Sprintf("ページ範囲 %d の生成に失敗しました。", i+1), err)
			}
			size, err := fileSize(partPath)
			if err != nil {
				return nil, jobs.StorageFailure("分割ファイルの確認に失敗しました。", err)
			}
			parts = append(parts, jobs.SplitPart{
				Filename: partName,
				FromPage: pr.Start,
				ToPage:   pr.End,
				Pages:    pr.End - pr.Start + 1,
				Size:     size,
			})
			partPaths = append(partPaths, partPath)
			report(i+1, total)
		}

		if err := tools.CreateZip(dir.Join(storage.OutDir, splitFilename), partPaths); err != nil {
			return nil, jobs.StorageFailure("zipファイルの作成に失敗しました。", err)
		}
		report(total, total)
		return &jobs.Output{
			Ref:      path.Join(storage.OutDir, splitFilename),
			Metadata: &jobs.SplitMeta{Source: file.Source(), Ranges: ranges, Parts: parts},
		}, nil
	}, nil
}

func (t *Split) Artifact(job *jobs.Job) tools.Artifact {
	return tools.Artifact{Filename: sourceName(job, "document") + "_split.zip", ContentType: contentTypeZIP}
}

// parsePageRanges は "1-3,4,5-" 形式の範囲指定を解釈します。
// 範囲は昇順で重複なく、最終ページを含む範囲は末尾にしか置けません。
func parsePageRanges(expr string, pageCount int) ([]jobs.PageRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, jobs.Validation("INVALID_INPUT", "範囲指定の形式が正しくありません。")
	}
	segments := strings.Split(expr, ",")

	ranges := make([]jobs.PageRange, 0, len(segments))
	lastEnd := 0
	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, jobs.Validation("INVALID_INPUT", "空の範囲指定が含まれています。")
		}
		start, end, err := parseSingleRange(seg, pageCount)
		if err != nil {
			return nil, err
		}
		if start <= lastEnd {
			return nil, jobs.Validation("INVALID_INPUT", "ページ範囲は昇順で、重複しないように指定してください。")
		}
		lastEnd = end
		ranges = append(ranges, jobs.PageRange{Start: start, End: end})

		if end == pageCount && i != len(segments)-1 {
			return nil, jobs.Validation("INVALID_INPUT", "最終ページ指定の後に追加の範囲を指定することはできません。")
		}
	}
	return ranges, nil
}

func parseSingleRange(seg string, pageCount int) (int, int, error) {
	if !strings.Contains(seg, "-") {
		page, err := strconv.Atoi(seg)
		if err != nil {
			return 0, 0, jobs.Validation("INVALID_INPUT", "ページ番号が整数ではありません。")
		}
		if page < 1 || page > pageCount {
			return 0, 0, jobs.Validation("INVALID_INPUT", "ページ番号がページ数の範囲外です。")
		}
		return page, page, nil
	}

	startText, endText, _ := strings.Cut(seg, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startText))
	if err != nil {
		return 0, 0, jobs.Validation("INVALID_INPUT", "範囲開始が整数ではありません。")
	}
	end := pageCount
	if endText = strings.TrimSpace(endText); endText != "" {
		end, err = strconv.Atoi(endText)
		if err != nil {
			return 0, 0, jobs.Validation("INVALID_INPUT", "範囲終了が整数ではありません。")
		}
	}
	if start < 1 || end < start || end > pageCount {
		return 0, 0, jobs.Validation("INVALID_INPUT", "範囲指定がページ数の範囲外です。")
	}
	return start, end, nil
}

func rangeSelection(pr jobs.PageRange) []string {
	pages := make([]string, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}
