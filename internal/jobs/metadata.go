package jobs

import (
	"encoding/json"
	"fmt"
)

// MetadataKind はメタデータの種別タグです。
type MetadataKind string

const (
	MetaMerge         MetadataKind = "merge"
	MetaOrganize      MetadataKind = "organize"
	MetaSplit         MetadataKind = "split"
	MetaCompress      MetadataKind = "compress"
	MetaRender        MetadataKind = "render"
	MetaImageCompress MetadataKind = "image_compress"
	MetaResize        MetadataKind = "resize"
	MetaConvert       MetadataKind = "convert"
)

// Metadata はツールごとの付随情報です。ジョブ管理側は中身を解釈しません。
// 実装はこのパッケージ内の構造体に限られます。
type Metadata interface {
	MetadataKind() MetadataKind
	sealed()
}

// SourceFile はアップロードされた入力ファイルの情報です。
type SourceFile struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages,omitempty"`
}

// MergeMeta は結合ジョブのメタデータです。
type MergeMeta struct {
	Files      []SourceFile `json:"files"`
	FileOrder  []int        `json:"fileOrder,omitempty"`
	TotalPages int          `json:"totalPages"`
	OutputSize int64        `json:"outputSize,omitempty"`
}

// OrganizeMeta はページ整理ジョブのメタデータです。
type OrganizeMeta struct {
	Source     SourceFile `json:"source"`
	Thumbnails []string   `json:"thumbnails,omitempty"`
	PageOrder  []int      `json:"pageOrder,omitempty"`
	OutputSize int64      `json:"outputSize,omitempty"`
}

// PageRange は分割対象のページ範囲を表します（Start/Endは1-based, End>=Start）。
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SplitPart は分割で生成された各PDFの情報です。
type SplitPart struct {
	Filename string `json:"filename"`
	FromPage int    `json:"fromPage"`
	ToPage   int    `json:"toPage"`
	Pages    int    `json:"pages"`
	Size     int64  `json:"size"`
}

// SplitMeta は分割ジョブのメタデータです。
type SplitMeta struct {
	Source SourceFile  `json:"source"`
	Ranges []PageRange `json:"ranges"`
	Parts  []SplitPart `json:"parts,omitempty"`
}

// CompressMeta はPDF圧縮ジョブのメタデータです。
type CompressMeta struct {
	Source           SourceFile `json:"source"`
	Preset           string     `json:"preset,omitempty"`
	DPI              int        `json:"dpi,omitempty"`
	Quality          int        `json:"quality,omitempty"`
	TargetSize       int64      `json:"targetSize,omitempty"`
	OriginalSize     int64      `json:"originalSize"`
	CompressedSize   int64      `json:"compressedSize,omitempty"`
	ReductionPercent float64    `json:"reductionPercent"`
	TargetMet        bool       `json:"targetMet"`
	Warning          string     `json:"warning,omitempty"`
}

// RenderMeta はPDF画像化ジョブのメタデータです。
type RenderMeta struct {
	Source SourceFile `json:"source"`
	DPI    int        `json:"dpi"`
	Format string     `json:"format"`
	Images []string   `json:"images,omitempty"`
}

// ImageCompressMeta は画像圧縮ジョブのメタデータです。
type ImageCompressMeta struct {
	Source           SourceFile `json:"source"`
	Format           string     `json:"format"`
	Quality          int        `json:"quality"`
	TargetSize       int64      `json:"targetSize,omitempty"`
	OriginalSize     int64      `json:"originalSize"`
	CompressedSize   int64      `json:"compressedSize,omitempty"`
	ReductionPercent float64    `json:"reductionPercent"`
	TargetMet        bool       `json:"targetMet"`
	Warning          string     `json:"warning,omitempty"`
	Width            int        `json:"width,omitempty"`
	Height           int        `json:"height,omitempty"`
	Resized          bool       `json:"resized"`
}

// ResizeMeta は画像リサイズジョブのメタデータです。
type ResizeMeta struct {
	Source         SourceFile `json:"source"`
	Method         string     `json:"method"`
	OriginalWidth  int        `json:"originalWidth"`
	OriginalHeight int        `json:"originalHeight"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	Upscaled       bool       `json:"upscaled"`
	OutputSize     int64      `json:"outputSize,omitempty"`
}

// ConvertMeta は画像形式変換ジョブのメタデータです。
// SizeDiffPercent は元ファイルに対する増減率で、大きくなった場合は正の値です。
type ConvertMeta struct {
	Source          SourceFile `json:"source"`
	OriginalFormat  string     `json:"originalFormat"`
	Format          string     `json:"format"`
	Quality         int        `json:"quality,omitempty"`
	TargetSize      int64      `json:"targetSize,omitempty"`
	TargetMet       bool       `json:"targetMet"`
	Warning         string     `json:"warning,omitempty"`
	OriginalSize    int64      `json:"originalSize"`
	OutputSize      int64      `json:"outputSize,omitempty"`
	SizeDiffPercent float64    `json:"sizeDiffPercent"`
	OriginalWidth   int        `json:"originalWidth"`
	OriginalHeight  int        `json:"originalHeight"`
	Width           int        `json:"width,omitempty"`
	Height          int        `json:"height,omitempty"`
	Resized         bool       `json:"resized"`
}

func (*MergeMeta) MetadataKind() MetadataKind         { return MetaMerge }
func (*OrganizeMeta) MetadataKind() MetadataKind      { return MetaOrganize }
func (*SplitMeta) MetadataKind() MetadataKind         { return MetaSplit }
func (*CompressMeta) MetadataKind() MetadataKind      { return MetaCompress }
func (*RenderMeta) MetadataKind() MetadataKind        { return MetaRender }
func (*ImageCompressMeta) MetadataKind() MetadataKind { return MetaImageCompress }
func (*ResizeMeta) MetadataKind() MetadataKind        { return MetaResize }
func (*ConvertMeta) MetadataKind() MetadataKind       { return MetaConvert }

func (*MergeMeta) sealed()         {}
func (*OrganizeMeta) sealed()      {}
func (*SplitMeta) sealed()         {}
func (*CompressMeta) sealed()      {}
func (*RenderMeta) sealed()        {}
func (*ImageCompressMeta) sealed() {}
func (*ResizeMeta) sealed()        {}
func (*ConvertMeta) sealed()       {}

type metadataEnvelope struct {
	Type MetadataKind    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalMetadata はメタデータを種別タグ付きの JSON に変換します。nil は null になります。
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{Type: m.MetadataKind(), Data: data})
}

// UnmarshalMetadata は MarshalMetadata の出力を復元します。
func UnmarshalMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse metadata envelope: %w", err)
	}

	var m Metadata
	switch env.Type {
	case MetaMerge:
		m = &MergeMeta{}
	case MetaOrganize:
		m = &OrganizeMeta{}
	case MetaSplit:
		m = &SplitMeta{}
	case MetaCompress:
		m = &CompressMeta{}
	case MetaRender:
		m = &RenderMeta{}
	case MetaImageCompress:
		m = &ImageCompressMeta{}
	case MetaResize:
		m = &ResizeMeta{}
	case MetaConvert:
		m = &ConvertMeta{}
	default:
		return nil, fmt.Errorf("unknown metadata type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, fmt.Errorf("failed to parse %s metadata: %w", env.Type, err)
	}
	return m, nil
}

type jobJSON struct {
	jobAlias
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type jobAlias Job

// MarshalJSON はメタデータをタグ付きで埋め込みます。
func (j Job) MarshalJSON() ([]byte, error) {
	meta, err := MarshalMetadata(j.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobJSON{jobAlias: jobAlias(j), Metadata: meta})
}

// UnmarshalJSON は MarshalJSON の出力を復元します。
func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	meta, err := UnmarshalMetadata(raw.Metadata)
	if err != nil {
		return err
	}
	*j = Job(raw.jobAlias)
	j.Metadata = meta
	return nil
}
