package jobs

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類です。
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidState
	KindValidation
	KindProcessing
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindProcessing:
		return "processing"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound, Code: "JOB_NOT_FOUND", Message: "指定されたジョブは存在しません。"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Code: "INVALID_STATE", Message: "ジョブは既に処理済みです。"}
	ErrValidation   = &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: "入力内容が正しくありません。"}
	ErrProcessing   = &Error{Kind: KindProcessing, Code: "PROCESSING_FAILED", Message: "ファイルの処理に失敗しました。"}
	ErrStorage      = &Error{Kind: KindStorage, Code: "STORAGE_ERROR", Message: "ファイルの保存に失敗しました。"}
)

// Error はジョブ処理で発生したエラーを表します。
// Message は利用者向けの文言、Err は内部原因です。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じ Kind のエラーを等価とみなします。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NotFound は存在しないジョブを表すエラーを返します。
func NotFound(jobID string) error {
	return &Error{Kind: KindNotFound, Code: ErrNotFound.Code, Message: ErrNotFound.Message, Err: fmt.Errorf("job %s not found", jobID)}
}

// InvalidState は不正な状態遷移を表すエラーを返します。
func InvalidState(jobID string, from, to Status) error {
	return &Error{
		Kind:    KindInvalidState,
		Code:    ErrInvalidState.Code,
		Message: ErrInvalidState.Message,
		Err:     fmt.Errorf("job %s: transition %s -> %s not allowed", jobID, from, to),
	}
}

// Validation は入力検証エラーを返します。
func Validation(code, message string) error {
	if code == "" {
		code = ErrValidation.Code
	}
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Processing は変換処理の失敗を返します。
func Processing(code, message string, err error) error {
	if code == "" {
		code = ErrProcessing.Code
	}
	return &Error{Kind: KindProcessing, Code: code, Message: message, Err: err}
}

// StorageFailure はファイルシステム操作の失敗を返します。
func StorageFailure(message string, err error) error {
	return &Error{Kind: KindStorage, Code: ErrStorage.Code, Message: message, Err: err}
}

// AsError は err から *Error を取り出します。該当しない場合は nil を返します。
func AsError(err error) *Error {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return nil
}

// errorInfoFor はジョブに記録するエラー情報を作ります。
func errorInfoFor(err error) *ErrorInfo {
	if jobErr := AsError(err); jobErr != nil {
		msg := jobErr.Message
		if jobErr.Err != nil {
			msg = fmt.Sprintf("%s (%v)", jobErr.Message, jobErr.Err)
		}
		return &ErrorInfo{Code: jobErr.Code, Message: msg}
	}
	return &ErrorInfo{Code: ErrProcessing.Code, Message: err.Error()}
}
