// Package imaging は画像の圧縮、リサイズ、形式変換のツールを提供します。
//
// デコードは標準の image パッケージと golang.org/x/image（webp/bmp/tiff）、
// 縮小・拡大は golang.org/x/image/draw を使います。
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/file-forge/internal/jobs"
)

const (
	// maxPixels はデコードを許可する画素数の上限です。
	maxPixels = 100_000_000
	// maxDimension は出力画像の一辺の上限です。
	maxDimension = 10000

	defaultJPEGQuality = 90
)

// Format は出力画像の形式です。
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatGIF  Format = "gif"
)

func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatBMP:
		return ".bmp"
	case FormatTIFF:
		return ".tiff"
	case FormatGIF:
		return ".gif"
	default:
		return ".png"
	}
}

func (f Format) ContentType() string {
	return "image/" + string(f)
}

// outputFormat はデコードした形式のまま書き出せる形式を返します。gif と webp は png にします。
func outputFormat(decoded string) Format {
	switch decoded {
	case "jpeg":
		return FormatJPEG
	case "bmp":
		return FormatBMP
	case "tiff":
		return FormatTIFF
	default:
		return FormatPNG
	}
}

// inspect はヘッダーだけを読んで画像の大きさと形式を返します。
func inspect(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", jobs.StorageFailure("画像ファイルの読み込みに失敗しました。", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, "", jobs.Validation("UNSUPPORTED_FORMAT", "画像を読み込めませんでした。ファイルが破損していないか確認してください。")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", jobs.Validation("UNSUPPORTED_FORMAT", "画像の大きさを判定できませんでした。")
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return image.Config{}, "", jobs.Validation("LIMIT_EXCEEDED",
			fmt.Sprintf("画像が大きすぎます（%d×%d）。", cfg.Width, cfg.Height))
	}
	return cfg, format, nil
}

func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", jobs.StorageFailure("画像ファイルの読み込みに失敗しました。", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", jobs.Processing("UNSUPPORTED_FORMAT", "画像のデコードに失敗しました。", err)
	}
	return img, format, nil
}

func encode(w io.Writer, img image.Image, format Format, quality int) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case FormatGIF:
		return gif.Encode(w, img, &gif.Options{NumColors: 256})
	default:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	}
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// encodedSize はファイルに書かずにエンコード後のバイト数を返します。
func encodedSize(img image.Image, format Format, quality int) (int64, error) {
	var w countingWriter
	if err := encode(&w, img, format, quality); err != nil {
		return 0, jobs.Processing("ENCODE_FAILED", "画像のエンコードに失敗しました。", err)
	}
	return w.n, nil
}

// writeImage は画像を path に書き出し、バイト数を返します。
func writeImage(path string, img image.Image, format Format, quality int) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, jobs.StorageFailure("出力ファイルの作成に失敗しました。", err)
	}
	if err := encode(f, img, format, quality); err != nil {
		f.Close()
		return 0, jobs.Processing("ENCODE_FAILED", "画像のエンコードに失敗しました。", err)
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, jobs.StorageFailure("出力ファイルの書き込みに失敗しました。", err)
	}
	return info.Size(), nil
}

// scale は img を w×h に拡大縮小します。
func scale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// flatten は透過部分を白で塗りつぶします。JPEG で書き出す前に使います。
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// fitWithin は縦横比を保って maxW×maxH に収まる大きさを返します。0 の辺は制限しません。
// 元の画像が収まっている場合は元の大きさのままです。
func fitWithin(w, h, maxW, maxH int) (int, int) {
	ratio := 1.0
	if maxW > 0 && w > maxW {
		ratio = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if r := float64(maxH) / float64(h); r < ratio {
			ratio = r
		}
	}
	if ratio >= 1 {
		return w, h
	}
	return max(1, int(float64(w)*ratio+0.5)), max(1, int(float64(h)*ratio+0.5))
}
