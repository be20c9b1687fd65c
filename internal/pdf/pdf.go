// Package pdf はPDFを扱う変換ツール（画像化、結合、ページ整理、分割、圧縮）を提供します。
//
// ページ操作は pdfcpu、ラスタライズと再圧縮は Ghostscript に委譲します。
package pdf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

const (
	contentTypePDF = "application/pdf"
	contentTypeZIP = "application/zip"
)

// Tools は env を共有するPDFツール一式を返します。
func Tools(env tools.Env) []tools.Tool {
	return []tools.Tool{
		NewRender(env),
		NewMerge(env),
		NewOrganize(env),
		NewSplit(env),
		NewCompress(env),
	}
}

// savePDF はアップロードをPDFとして保存し、ページ数を記録します。
func savePDF(ctx context.Context, env tools.Env, dir storage.Dir, up tools.Upload, base string) (tools.ManifestFile, error) {
	file, err := tools.SaveUpload(ctx, env.Storage, dir, up, base, env.Limits, tools.MIMEPDF)
	if err != nil {
		return tools.ManifestFile{}, err
	}
	pages, err := pageCount(file.Path(dir))
	if err != nil {
		return tools.ManifestFile{}, jobs.Validation("UNSUPPORTED_PDF",
			fmt.Sprintf("%s を読み込めませんでした。ファイルが破損していないか確認してください。", file.OriginalName))
	}
	if env.Limits.MaxPages > 0 && pages > env.Limits.MaxPages {
		return tools.ManifestFile{}, jobs.Validation("LIMIT_EXCEEDED",
			fmt.Sprintf("%s のページ数（%d）が上限（%d）を超えています。", file.OriginalName, pages, env.Limits.MaxPages))
	}
	file.Pages = pages
	return file, nil
}

func pageCount(path string) (int, error) {
	n, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s has no pages", path)
	}
	return n, nil
}

// singleUpload は1ファイルだけを受け付けるツール用に先頭のアップロードを返します。
func singleUpload(req *tools.PrepareRequest) (tools.Upload, error) {
	switch len(req.Files) {
	case 0:
		return tools.Upload{}, jobs.Validation("INVALID_INPUT", "PDFファイルを選択してください。")
	case 1:
		return req.Files[0], nil
	default:
		return tools.Upload{}, jobs.Validation("INVALID_INPUT", "PDFファイルは1つだけ選択してください。")
	}
}

// requireGhostscript は gs が使えない環境でジョブを作らせないためのチェックです。
func requireGhostscript(env tools.Env) error {
	if !env.Ghostscript.Available() {
		return jobs.Processing("GHOSTSCRIPT_UNAVAILABLE", "この機能は現在利用できません（Ghostscriptが見つかりません）。", nil)
	}
	return nil
}

// loadManifest は manifest と先頭の入力ファイルを読み込み、params を v に展開します。
func loadManifest(dir storage.Dir, v any) (*tools.Manifest, tools.ManifestFile, error) {
	m, err := tools.LoadManifest(dir)
	if err != nil {
		return nil, tools.ManifestFile{}, jobs.StorageFailure("ジョブ情報の読み込みに失敗しました。", err)
	}
	if v != nil {
		if err := m.DecodeParams(v); err != nil {
			return nil, tools.ManifestFile{}, jobs.StorageFailure("ジョブ情報の読み込みに失敗しました。", err)
		}
	}
	file, err := m.File(0)
	if err != nil {
		return nil, tools.ManifestFile{}, jobs.StorageFailure("入力ファイルの情報がありません。", err)
	}
	return m, file, nil
}

// decodeBody は確認操作の JSON を v に展開します。空のボディはゼロ値のままにします。
func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return jobs.Validation("INVALID_INPUT", "リクエストの形式が正しくありません。")
	}
	return nil
}

// validateOrder は order が 0..n-1 の並べ替えになっているかを検証します。
func validateOrder(field string, order []int, n int) error {
	if len(order) != n {
		return jobs.Validation("INVALID_INPUT", fmt.Sprintf("%s配列の長さが%dと一致していません。", field, n))
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n {
			return jobs.Validation("INVALID_INPUT", fmt.Sprintf("%s配列に不正な番号が含まれています。", field))
		}
		if seen[idx] {
			return jobs.Validation("INVALID_INPUT", fmt.Sprintf("%s配列に重複した番号が含まれています。", field))
		}
		seen[idx] = true
	}
	return nil
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// pageSelection は 0-based のページ番号を pdfcpu のページ指定に変換します。
func pageSelection(order []int) []string {
	pages := make([]string, len(order))
	for i, idx := range order {
		pages[i] = strconv.Itoa(idx + 1)
	}
	return pages
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// sourceName はジョブのメタデータから元のファイル名（拡張子なし）を取り出します。
func sourceName(job *jobs.Job, fallback string) string {
	var name string
	switch m := job.Metadata.(type) {
	case *jobs.RenderMeta:
		name = m.Source.Name
	case *jobs.OrganizeMeta:
		name = m.Source.Name
	case *jobs.SplitMeta:
		name = m.Source.Name
	case *jobs.CompressMeta:
		name = m.Source.Name
	}
	if name == "" {
		return fallback
	}
	return tools.OriginalStem(name)
}
