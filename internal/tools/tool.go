// Package tools はファイル変換ツールの共通の枠組みを提供します。
//
// 各ツールはアップロードの検証と保存（Prepare）、必要に応じた確認操作（Confirm）、
// 変換処理の組み立て（Work）を実装します。ジョブの作成から実行、ダウンロードまでの
// 流れは Service がまとめて扱います。
package tools

import (
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// Tool はジョブとして実行される変換ツールです。
type Tool interface {
	Name() jobs.Tool
	// TwoPhase は作成後に確認操作（Confirm）を経てから実行するツールかどうかを返します。
	TwoPhase() bool
	// Subdirs はジョブディレクトリに作成するサブディレクトリです。
	Subdirs() []string
	// Prepare は入力を検証してジョブディレクトリに保存します。
	Prepare(ctx context.Context, dir storage.Dir, req *PrepareRequest) (*Prepared, error)
	// Confirm は確認操作の内容を検証して manifest に記録します。
	Confirm(ctx context.Context, job *jobs.Job, dir storage.Dir, body []byte) error
	// Work は manifest から変換処理を組み立てます。
	Work(ctx context.Context, job *jobs.Job, dir storage.Dir) (jobs.Work, error)
	// Artifact は成果物のダウンロード情報です。
	Artifact(job *jobs.Job) Artifact
}

// Upload はアップロードされた1ファイルです。
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// FromMultipart は multipart のファイルヘッダーを Upload に変換します。
func FromMultipart(headers []*multipart.FileHeader) []Upload {
	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		uploads = append(uploads, Upload{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return uploads
}

// PrepareRequest は作成リクエストの入力です。
type PrepareRequest struct {
	Files  []Upload
	Params url.Values
}

// Param はフォーム値を前後の空白を除いて返します。
func (r *PrepareRequest) Param(key string) string {
	if r == nil || r.Params == nil {
		return ""
	}
	return strings.TrimSpace(r.Params.Get(key))
}

// Prepared は Prepare の結果としてジョブに記録する入力情報です。
type Prepared struct {
	InputRef   string
	TotalUnits int
	Metadata   jobs.Metadata
}

// Artifact は成果物のダウンロード時のファイル名と Content-Type です。
type Artifact struct {
	Filename    string
	ContentType string
}

// Limits はアップロードの上限です。
type Limits struct {
	MaxFileSize int64
	MaxPages    int
	MaxFiles    int
}

// Env はツールが共有する依存関係です。
type Env struct {
	Storage     *storage.Local
	Limits      Limits
	Ghostscript *Ghostscript
	Logger      *slog.Logger
}

// Log は Logger が未設定の場合に既定のロガーを返します。
func (e Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
