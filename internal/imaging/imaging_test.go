package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

// noisyImage は JPEG 品質でサイズが変わるようにランダムな画素で埋めた画像です。
func noisyImage(w, h int) *image.RGBA {
	rng := rand.New(rand.NewPCG(1, 2))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(x + y), 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func memUpload(name string, data []byte) tools.Upload {
	return tools.Upload{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func newEnv(t *testing.T) tools.Env {
	t.Helper()
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return tools.Env{Storage: st, Limits: tools.Limits{MaxFileSize: 20 << 20}}
}

// runTool は Prepare から Work までを通しで実行します。
func runTool(t *testing.T, env tools.Env, tool tools.Tool, req *tools.PrepareRequest) (*jobs.Job, storage.Dir, *jobs.Output) {
	t.Helper()
	dir, err := env.Storage.Allocate(uuid.NewString(), tool.Subdirs()...)
	require.NoError(t, err)
	prepared, err := tool.Prepare(context.Background(), dir, req)
	require.NoError(t, err)

	job := &jobs.Job{ID: dir.JobID, Tool: tool.Name(), Status: jobs.StatusProcessing, TotalUnits: prepared.TotalUnits, Metadata: prepared.Metadata}
	work, err := tool.Work(context.Background(), job, dir)
	require.NoError(t, err)
	out, err := work(context.Background(), func(int, int) {})
	require.NoError(t, err)
	job.OutputRef = out.Ref
	job.Metadata = out.Metadata
	return job, dir, out
}

func decodedSize(t *testing.T, path string) (int, int, string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{4000, 3000, 1920, 1080, 1440, 1080},
		{3000, 4000, 800, 800, 600, 800},
		{100, 50, 800, 800, 100, 50},
		{1000, 10, 100, 0, 100, 1},
		{500, 500, 0, 0, 500, 500},
	}
	for _, tc := range cases {
		w, h := fitWithin(tc.w, tc.h, tc.maxW, tc.maxH)
		assert.Equal(t, tc.wantW, w, "%+v", tc)
		assert.Equal(t, tc.wantH, h, "%+v", tc)
	}
}

func TestResolveResize(t *testing.T) {
	params := func(kv ...string) *tools.PrepareRequest {
		req := &tools.PrepareRequest{Params: map[string][]string{}}
		for i := 0; i+1 < len(kv); i += 2 {
			req.Params.Set(kv[i], kv[i+1])
		}
		return req
	}

	p, err := resolveResize(params("preset", "hd"), 4000, 3000)
	require.NoError(t, err)
	assert.Equal(t, "preset:hd", p.Method)
	assert.Equal(t, [2]int{1440, 1080}, [2]int{p.Width, p.Height})
	assert.False(t, p.upscaled())

	p, err = resolveResize(params("scalePercent", "50"), 200, 100)
	require.NoError(t, err)
	assert.Equal(t, [2]int{100, 50}, [2]int{p.Width, p.Height})

	p, err = resolveResize(params("width", "400"), 200, 100)
	require.NoError(t, err)
	assert.Equal(t, [2]int{400, 200}, [2]int{p.Width, p.Height})
	assert.True(t, p.upscaled())

	p, err = resolveResize(params("width", "50", "height", "50"), 200, 100)
	require.NoError(t, err)
	assert.Equal(t, [2]int{50, 25}, [2]int{p.Width, p.Height})

	p, err = resolveResize(params("width", "50", "height", "50", "keepAspect", "false"), 200, 100)
	require.NoError(t, err)
	assert.Equal(t, [2]int{50, 50}, [2]int{p.Width, p.Height})

	_, err = resolveResize(params(), 200, 100)
	assert.Error(t, err)
	_, err = resolveResize(params("preset", "small", "scalePercent", "10"), 200, 100)
	assert.Error(t, err)
	_, err = resolveResize(params("preset", "huge"), 200, 100)
	assert.Error(t, err)

	_, err = resolveResize(params("scalePercent", "400"), 3000, 3000)
	require.Error(t, err)
	assert.Equal(t, "LIMIT_EXCEEDED", jobs.AsError(err).Code)
}

func TestResizeWritesScaledImage(t *testing.T) {
	env := newEnv(t)
	tool := NewResize(env)

	job, dir, out := runTool(t, env, tool, &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("photo.png", pngBytes(t, noisyImage(200, 100)))},
		Params: map[string][]string{"scalePercent": {"50"}},
	})
	assert.Equal(t, "out/resized.png", out.Ref)
	w, h, format := decodedSize(t, dir.Join(out.Ref))
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
	assert.Equal(t, "png", format)

	meta := out.Metadata.(*jobs.ResizeMeta)
	assert.Equal(t, 200, meta.OriginalWidth)
	assert.Positive(t, meta.OutputSize)

	artifact := tool.Artifact(job)
	assert.Equal(t, "photo_100x50.png", artifact.Filename)
	assert.Equal(t, "image/png", artifact.ContentType)
}

func TestCompressHonoursTargetSize(t *testing.T) {
	env := newEnv(t)
	data := jpegBytes(t, noisyImage(256, 256))

	_, dir, out := runTool(t, env, NewCompress(env), &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("photo.jpg", data)},
		Params: map[string][]string{"targetSizeKb": {"4096"}},
	})
	meta := out.Metadata.(*jobs.ImageCompressMeta)
	assert.True(t, meta.TargetMet)
	assert.Equal(t, "jpeg", meta.Format)
	assert.LessOrEqual(t, meta.CompressedSize, int64(4096*1024))
	_, _, format := decodedSize(t, dir.Join(out.Ref))
	assert.Equal(t, "jpeg", format)
}

func TestCompressReportsMissedTarget(t *testing.T) {
	env := newEnv(t)
	data := pngBytes(t, noisyImage(256, 256))

	job, _, out := runTool(t, env, NewCompress(env), &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("noise.png", data)},
		Params: map[string][]string{"targetSizeKb": {"0.1"}},
	})
	meta := out.Metadata.(*jobs.ImageCompressMeta)
	assert.False(t, meta.TargetMet)
	assert.NotEmpty(t, meta.Warning)
	assert.Equal(t, "out/compressed.jpg", out.Ref, "a size target converts png to jpeg")
	assert.Equal(t, "noise_compressed.jpg", NewCompress(env).Artifact(job).Filename)
}

func TestCompressPresetWithDownscale(t *testing.T) {
	env := newEnv(t)
	data := pngBytes(t, noisyImage(300, 150))

	_, dir, out := runTool(t, env, NewCompress(env), &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("wide.png", data)},
		Params: map[string][]string{"preset": {"high"}, "maxWidth": {"150"}},
	})
	meta := out.Metadata.(*jobs.ImageCompressMeta)
	assert.True(t, meta.Resized)
	assert.Equal(t, 90, meta.Quality)
	assert.Equal(t, "png", meta.Format)
	w, h, _ := decodedSize(t, dir.Join(out.Ref))
	assert.Equal(t, 150, w)
	assert.Equal(t, 75, h)
}

func TestParseCompressParams(t *testing.T) {
	p, err := parseCompressParams(&tools.PrepareRequest{})
	require.NoError(t, err)
	assert.Equal(t, compressParams{Preset: "balanced", Quality: 75}, p)

	p, err = parseCompressParams(&tools.PrepareRequest{Params: map[string][]string{"preset": {"max_compress"}, "quality": {"55"}}})
	require.NoError(t, err)
	assert.Equal(t, 55, p.Quality)

	for _, bad := range []map[string][]string{
		{"preset": {"ultra"}},
		{"quality": {"0"}},
		{"targetSizeKb": {"-1"}},
		{"maxWidth": {"abc"}},
	} {
		_, err := parseCompressParams(&tools.PrepareRequest{Params: bad})
		assert.Error(t, err, "%v", bad)
	}
}

func TestConvertPNGToJPEGWithTarget(t *testing.T) {
	env := newEnv(t)
	img := noisyImage(256, 256)
	// 左上を透明にして、JPEG では白で埋まることを確かめる
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{})
		}
	}
	tool := NewConvert(env)

	job, dir, out := runTool(t, env, tool, &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("logo.png", pngBytes(t, img))},
		Params: map[string][]string{"format": {"jpg"}, "targetSizeKb": {"4096"}},
	})
	assert.Equal(t, "out/converted.jpg", out.Ref)
	meta := out.Metadata.(*jobs.ConvertMeta)
	assert.Equal(t, "png", meta.OriginalFormat)
	assert.Equal(t, "jpeg", meta.Format)
	assert.True(t, meta.TargetMet)
	assert.LessOrEqual(t, meta.OutputSize, int64(4096*1024))
	assert.Positive(t, meta.Quality)
	assert.False(t, meta.Resized)

	f, err := os.Open(dir.Join(out.Ref))
	require.NoError(t, err)
	defer f.Close()
	decoded, format, err := image.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	r, g, b, _ := decoded.At(4, 4).RGBA()
	assert.Greater(t, r>>8, uint32(230))
	assert.Greater(t, g>>8, uint32(230))
	assert.Greater(t, b>>8, uint32(230))

	artifact := tool.Artifact(job)
	assert.Equal(t, "logo_converted.jpg", artifact.Filename)
	assert.Equal(t, "image/jpeg", artifact.ContentType)
}

func TestConvertJPEGToGIFWithDownscale(t *testing.T) {
	env := newEnv(t)

	job, dir, out := runTool(t, env, NewConvert(env), &tools.PrepareRequest{
		Files:  []tools.Upload{memUpload("photo.jpeg", jpegBytes(t, noisyImage(400, 200)))},
		Params: map[string][]string{"format": {"GIF"}, "maxWidth": {"100"}},
	})
	meta := out.Metadata.(*jobs.ConvertMeta)
	assert.Equal(t, "jpeg", meta.OriginalFormat)
	assert.Equal(t, "gif", meta.Format)
	assert.Zero(t, meta.Quality, "quality only applies to jpeg output")
	assert.True(t, meta.Resized)
	assert.Equal(t, 400, meta.OriginalWidth)

	w, h, format := decodedSize(t, dir.Join(out.Ref))
	assert.Equal(t, "gif", format)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
	assert.Equal(t, "photo_converted.gif", NewConvert(env).Artifact(job).Filename)
}

func TestParseConvertParams(t *testing.T) {
	p, err := parseConvertParams(&tools.PrepareRequest{Params: map[string][]string{"format": {".TIF"}}})
	require.NoError(t, err)
	assert.Equal(t, convertParams{Format: FormatTIFF, Quality: 85}, p)

	p, err = parseConvertParams(&tools.PrepareRequest{Params: map[string][]string{"format": {"jpeg"}, "quality": {"60"}, "targetSizeKb": {"50"}}})
	require.NoError(t, err)
	assert.Equal(t, 60, p.Quality)
	assert.Equal(t, int64(50*1024), p.TargetSize)

	for _, bad := range []map[string][]string{
		{},
		{"format": {"webp"}},
		{"format": {"avif"}},
		{"format": {"png"}, "targetSizeKb": {"100"}},
		{"format": {"jpeg"}, "quality": {"101"}},
		{"format": {"jpeg"}, "targetSizeKb": {"0"}},
	} {
		_, err := parseConvertParams(&tools.PrepareRequest{Params: bad})
		require.Error(t, err, "%v", bad)
		assert.Equal(t, "INVALID_INPUT", jobs.AsError(err).Code, "%v", bad)
	}
}

func TestImageToolsRejectNonImages(t *testing.T) {
	env := newEnv(t)
	// 形式の判定まで進むよう、各ツールには正しいパラメータを渡す
	cases := []struct {
		tool   tools.Tool
		params map[string][]string
	}{
		{NewCompress(env), map[string][]string{"preset": {"balanced"}}},
		{NewResize(env), map[string][]string{"preset": {"small"}}},
		{NewConvert(env), map[string][]string{"format": {"png"}}},
	}
	for _, tc := range cases {
		dir, err := env.Storage.Allocate(uuid.NewString(), tc.tool.Subdirs()...)
		require.NoError(t, err)
		_, err = tc.tool.Prepare(context.Background(), dir, &tools.PrepareRequest{
			Files:  []tools.Upload{memUpload("doc.png", []byte("%PDF-1.4\nnot an image\n"))},
			Params: tc.params,
		})
		require.Error(t, err, tc.tool.Name())
		assert.Equal(t, "UNSUPPORTED_FORMAT", jobs.AsError(err).Code, tc.tool.Name())
	}
}
