// Package storage はジョブごとの作業ディレクトリを管理します。
//
// 保存先は <root>/<jobID>/ で、ツールに応じて in/ out/ thumbnails/ を作成します。
// ディレクトリの寿命はジョブレコードと一致させ、削除は常にレコードより先に行います。
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	InDir        = "in"
	OutDir       = "out"
	ThumbnailDir = "thumbnails"

	dirPerm  = 0o750
	filePerm = 0o640
)

var (
	// ErrNotFound は対象のファイルまたはディレクトリが存在しないことを表します。
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidPath はジョブディレクトリ外を指すパスや不正なジョブIDを表します。
	ErrInvalidPath = errors.New("storage: invalid path")
	// ErrTooLarge は Save の上限超過を表します。
	ErrTooLarge = errors.New("storage: file too large")
)

// Dir は割り当て済みのジョブディレクトリです。
type Dir struct {
	JobID string
	Path  string
}

// Join はジョブディレクトリ配下のパスを返します。
func (d Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.Path}, elem...)...)
}

// Local はローカルファイルシステム上の成果物ストレージです。
type Local struct {
	root string
}

// NewLocal は root を作成して Local を返します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root はストレージのルートディレクトリを返します。
func (l *Local) Root() string {
	return l.root
}

func (l *Local) jobDir(jobID string) (string, error) {
	if !ValidJobID(jobID) {
		return "", fmt.Errorf("%w: job id %q", ErrInvalidPath, jobID)
	}
	return filepath.Join(l.root, jobID), nil
}

// ValidJobID は正規形の UUID 文字列かどうかを返します。
func ValidJobID(jobID string) bool {
	id, err := uuid.Parse(jobID)
	return err == nil && id.String() == jobID
}

// Dir は割り当て済みかどうかに関わらずジョブディレクトリの位置を返します。
func (l *Local) Dir(jobID string) (Dir, error) {
	path, err := l.jobDir(jobID)
	if err != nil {
		return Dir{}, err
	}
	return Dir{JobID: jobID, Path: path}, nil
}

// Allocate は <root>/<jobID>/ とサブディレクトリを作成します。既に存在していても成功します。
func (l *Local) Allocate(jobID string, subdirs ...string) (Dir, error) {
	dir, err := l.Dir(jobID)
	if err != nil {
		return Dir{}, err
	}
	if err := os.MkdirAll(dir.Path, dirPerm); err != nil {
		return Dir{}, fmt.Errorf("create job dir: %w", err)
	}
	for _, sub := range subdirs {
		p, err := l.within(dir.Path, sub)
		if err != nil {
			return Dir{}, err
		}
		if err := os.MkdirAll(p, dirPerm); err != nil {
			return Dir{}, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return dir, nil
}

// within は base 配下に収まる name の絶対パスを返します。
func (l *Local) within(base, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	p := filepath.Join(base, name)
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return p, nil
}

// Resolve はジョブディレクトリ内のファイルパスを返します。
// ディレクトリ外を指す名前（.. やシンボリックリンク経由を含む）は ErrInvalidPath になります。
func (l *Local) Resolve(jobID, name string) (string, error) {
	base, err := l.jobDir(jobID)
	if err != nil {
		return "", err
	}
	p, err := l.within(base, name)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(realBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return resolved, nil
}

// Open はジョブディレクトリ内のファイルを開きます。
func (l *Local) Open(jobID, name string) (*os.File, fs.FileInfo, error) {
	p, err := l.Resolve(jobID, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Save は r の内容をジョブディレクトリ内の name に書き込み、書き込んだバイト数を返します。
// limit が正の場合、それを超える入力はエラーになり書きかけのファイルは削除されます。
func (l *Local) Save(jobID, name string, r io.Reader, limit int64) (int64, error) {
	base, err := l.jobDir(jobID)
	if err != nil {
		return 0, err
	}
	p, err := l.within(base, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && limit > 0 && n > limit {
		copyErr = fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, limit)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(p)
		return 0, copyErr
	}
	return n, nil
}

// Delete はジョブディレクトリを再帰的に削除します。存在しない場合は何もしません。
func (l *Local) Delete(jobID string) error {
	dir, err := l.jobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir %s: %w", jobID, err)
	}
	return nil
}

// SizeOf はジョブディレクトリ配下のファイルサイズ合計を返します。存在しない場合は 0 です。
func (l *Local) SizeOf(jobID string) (int64, error) {
	dir, err := l.jobDir(jobID)
	if err != nil {
		return 0, err
	}
	return dirSize(dir)
}

// Usage はストレージ全体の使用量を返します。
func (l *Local) Usage() (int64, error) {
	return dirSize(l.root)
}

// Entry はルート直下のジョブディレクトリの情報です。
type Entry struct {
	JobID   string
	ModTime time.Time
}

// Entries はルート直下にある、ジョブIDとして解釈できるディレクトリを返します。
func (l *Local) Entries() ([]Entry, error) {
	items, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		if !ValidJobID(item.Name()) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{JobID: item.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	return total, nil
}
