package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// 受け付ける MIME タイプ
const (
	MIMEPDF = "application/pdf"
)

// ImageMIMETypes は画像ツールが受け付ける形式です。
var ImageMIMETypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff"}

// SaveUpload はアップロードを in/<base><拡張子> に保存します。
// 拡張子は内容から判定した MIME タイプに従い、accept に含まれない形式は拒否します。
func SaveUpload(ctx context.Context, st *storage.Local, dir storage.Dir, up Upload, base string, limits Limits, accept ...string) (ManifestFile, error) {
	if err := ctx.Err(); err != nil {
		return ManifestFile{}, err
	}
	if limits.MaxFileSize > 0 && up.Size > limits.MaxFileSize {
		return ManifestFile{}, limitExceeded(up.Filename, limits.MaxFileSize)
	}
	if up.Open == nil {
		return ManifestFile{}, jobs.Validation("INVALID_INPUT", "ファイルを選択してください。")
	}

	src, err := up.Open()
	if err != nil {
		return ManifestFile{}, jobs.Validation("INVALID_INPUT", "アップロードされたファイルを読み込めませんでした。")
	}
	defer src.Close()

	tmpName := path.Join(storage.InDir, base+".upload")
	size, err := st.Save(dir.JobID, tmpName, src, limits.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return ManifestFile{}, limitExceeded(up.Filename, limits.MaxFileSize)
		}
		return ManifestFile{}, jobs.StorageFailure("アップロードファイルの保存に失敗しました。", err)
	}
	if size == 0 {
		_ = os.Remove(dir.Join(tmpName))
		return ManifestFile{}, jobs.Validation("INVALID_INPUT", fmt.Sprintf("%s は空のファイルです。", displayName(up.Filename)))
	}

	mt, err := mimetype.DetectFile(dir.Join(tmpName))
	if err != nil {
		_ = os.Remove(dir.Join(tmpName))
		return ManifestFile{}, jobs.StorageFailure("ファイル形式の判定に失敗しました。", err)
	}
	if len(accept) > 0 && !mimeAccepted(mt, accept) {
		_ = os.Remove(dir.Join(tmpName))
		return ManifestFile{}, jobs.Validation("UNSUPPORTED_FORMAT",
			fmt.Sprintf("%s は対応していない形式です（%s）。", displayName(up.Filename), mt.String()))
	}

	stored := base + mt.Extension()
	if err := os.Rename(dir.Join(tmpName), dir.Join(storage.InDir, stored)); err != nil {
		_ = os.Remove(dir.Join(tmpName))
		return ManifestFile{}, jobs.StorageFailure("アップロードファイルの保存に失敗しました。", err)
	}

	return ManifestFile{
		StoredName:   stored,
		OriginalName: displayName(up.Filename),
		Size:         size,
		MIME:         mt.String(),
	}, nil
}

func mimeAccepted(mt *mimetype.MIME, accept []string) bool {
	for _, a := range accept {
		if mt.Is(a) {
			return true
		}
	}
	return false
}

func limitExceeded(name string, limit int64) error {
	return jobs.Validation("LIMIT_EXCEEDED",
		fmt.Sprintf("%s のサイズが上限（%dMB）を超えています。", displayName(name), limit/(1024*1024)))
}

func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// OriginalStem は元のファイル名から拡張子を除いた部分です。
func OriginalStem(name string) string {
	name = displayName(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
