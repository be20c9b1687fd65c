package imaging

import (
	"fmt"
	"strconv"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

func singleUpload(req *tools.PrepareRequest) (tools.Upload, error) {
	switch len(req.Files) {
	case 0:
		return tools.Upload{}, jobs.Validation("INVALID_INPUT", "画像ファイルを選択してください。")
	case 1:
		return req.Files[0], nil
	default:
		return tools.Upload{}, jobs.Validation("INVALID_INPUT", "画像ファイルは1つだけ選択してください。")
	}
}

// dimensionParam は1〜maxDimension の整数パラメータを読みます。未指定は 0 です。
func dimensionParam(req *tools.PrepareRequest, key string) (int, error) {
	v := req.Param(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxDimension {
		return 0, jobs.Validation("INVALID_INPUT", fmt.Sprintf("%sには1〜%dの整数を指定してください。", key, maxDimension))
	}
	return n, nil
}

func loadManifest(dir storage.Dir, params any) (tools.ManifestFile, error) {
	m, err := tools.LoadManifest(dir)
	if err != nil {
		return tools.ManifestFile{}, jobs.StorageFailure("ジョブ情報の読み込みに失敗しました。", err)
	}
	if err := m.DecodeParams(params); err != nil {
		return tools.ManifestFile{}, jobs.StorageFailure("ジョブ情報の読み込みに失敗しました。", err)
	}
	file, err := m.File(0)
	if err != nil {
		return tools.ManifestFile{}, jobs.StorageFailure("入力ファイルの情報がありません。", err)
	}
	return file, nil
}
