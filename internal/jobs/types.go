// Package jobs はジョブの状態管理と非同期実行を提供します。
//
// ジョブは queued → processing → completed/failed と遷移し、有効期限を過ぎると
// 掃除処理によって expired として回収されます。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// IsTerminal は以降の更新を受け付けない状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// AllStatuses は集計や一覧表示で使う状態の一覧です。
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired}

// canTransition は from から to への遷移が許可されているかを返します。
// processing から expired への遷移は拒否し、実行中ジョブの削除を終端状態まで遅らせます。
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed || to == StatusExpired
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Tool はジョブを所有する変換ツールの名前です。
type Tool string

const (
	ToolPDFToImages   Tool = "pdf_to_images"
	ToolMergePDF      Tool = "merge_pdf"
	ToolOrganizePDF   Tool = "organize_pdf"
	ToolSplitPDF      Tool = "split_pdf"
	ToolCompressPDF   Tool = "compress_pdf"
	ToolImageCompress Tool = "image_compress"
	ToolImageResize   Tool = "image_resize"
	ToolImageConvert  Tool = "image_convert"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID             string     `json:"jobId"`
	Tool           Tool       `json:"tool"`
	Status         Status     `json:"status"`
	TotalUnits     int        `json:"totalUnits"`
	ProcessedUnits int        `json:"processedUnits"`
	Error          *ErrorInfo `json:"error,omitempty"`
	InputRef       string     `json:"inputRef,omitempty"`
	OutputRef      string     `json:"outputRef,omitempty"`
	Metadata       Metadata   `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

// Percent は進捗率（0〜100）を返します。
func (j *Job) Percent() int {
	if j.Status == StatusCompleted {
		return 100
	}
	if j.TotalUnits <= 0 {
		return 0
	}
	p := j.ProcessedUnits * 100 / j.TotalUnits
	if p > 100 {
		p = 100
	}
	return p
}

// IsExpired は now 時点で有効期限を過ぎているかを返します。
func (j *Job) IsExpired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}

// Clone はジョブの複製を返します。Metadata は不変値として共有します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Output はジョブ完了時に記録される成果物情報です。
type Output struct {
	Ref      string
	Metadata Metadata
}

// Input はアップロード保存後に記録する入力情報です。
type Input struct {
	Ref        string
	TotalUnits int
	Metadata   Metadata
}
