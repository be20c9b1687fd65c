package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

const manifestFilename = "manifest.json"

// Manifest はジョブIDだけから変換処理を組み立て直すための情報です。
type Manifest struct {
	JobID     string          `json:"jobId"`
	Tool      jobs.Tool       `json:"tool"`
	Files     []ManifestFile  `json:"files"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ManifestFile はジョブ入力ファイルのメタデータを表します。
type ManifestFile struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Pages        int    `json:"pages,omitempty"`
	MIME         string `json:"mime,omitempty"`
}

// Path は入力ファイルの絶対パスです。
func (f ManifestFile) Path(dir storage.Dir) string {
	return dir.Join(storage.InDir, f.StoredName)
}

// Source はジョブのメタデータ用の表現です。
func (f ManifestFile) Source() jobs.SourceFile {
	return jobs.SourceFile{Name: f.OriginalName, Size: f.Size, Pages: f.Pages}
}

// NewManifest は manifest を作成します。params は JSON に変換して保持します。
func NewManifest(dir storage.Dir, tool jobs.Tool, files []ManifestFile, params any) (*Manifest, error) {
	m := &Manifest{
		JobID:     dir.JobID,
		Tool:      tool,
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.SetParams(params); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) SetParams(params any) error {
	if params == nil {
		m.Params = nil
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	m.Params = data
	return nil
}

func (m *Manifest) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// File は i 番目の入力ファイルを返します。
func (m *Manifest) File(i int) (ManifestFile, error) {
	if i < 0 || i >= len(m.Files) {
		return ManifestFile{}, fmt.Errorf("manifest has %d files, want index %d", len(m.Files), i)
	}
	return m.Files[i], nil
}

// WriteManifest は一時ファイル経由で manifest を書き換えます。
func WriteManifest(dir storage.Dir, manifest *Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := dir.Join(manifestFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

func LoadManifest(dir storage.Dir) (*Manifest, error) {
	data, err := os.ReadFile(dir.Join(manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
