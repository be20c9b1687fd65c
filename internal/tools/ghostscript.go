package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/yourusername/file-forge/internal/jobs"
)

// Ghostscript は gs コマンドの実行を担います。
type Ghostscript struct {
	Path string
}

func NewGhostscript(path string) *Ghostscript {
	if path == "" {
		path = "gs"
	}
	return &Ghostscript{Path: path}
}

// Available は実行ファイルが見つかるかどうかを返します。
func (g *Ghostscript) Available() bool {
	if g == nil {
		return false
	}
	_, err := exec.LookPath(g.Path)
	return err == nil
}

// Run は共通オプションを付けて gs を実行します。失敗時は出力を含む Processing エラーを返します。
func (g *Ghostscript) Run(ctx context.Context, args ...string) error {
	if g == nil {
		return jobs.Processing("GHOSTSCRIPT_UNAVAILABLE", "Ghostscriptが設定されていません。", nil)
	}
	base := []string{"-dNOPAUSE", "-dBATCH", "-dQUIET", "-dSAFER"}
	cmd := exec.CommandContext(ctx, g.Path, append(base, args...)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return jobs.Processing("UNSUPPORTED_PDF", "Ghostscriptによる処理に失敗しました。",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(output.String())))
	}
	return nil
}

// RenderArgs はページ範囲を画像に変換する引数を返します。outputPattern には %03d などを含めます。
func RenderArgs(device string, dpi, firstPage, lastPage int, outputPattern, inputPath string, extra ...string) []string {
	args := []string{
		"-sDEVICE=" + device,
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-dFirstPage=%d", firstPage),
		fmt.Sprintf("-dLastPage=%d", lastPage),
		"-dTextAlphaBits=4",
		"-dGraphicsAlphaBits=4",
	}
	args = append(args, extra...)
	return append(args, "-sOutputFile="+outputPattern, inputPath)
}
