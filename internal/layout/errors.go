package layout

import "fmt"

// エラーコード（チャンネル上のエラーメッセージの code に使う）
const (
	CodeNotFound          = "not_found"
	CodeFormat            = "format_error"
	CodeInvalidIdentifier = "invalid_identifier"
)

// NotFoundError はレイアウトファイルが存在しないことを表す
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("レイアウトファイルが見つかりません: %s", e.Path)
}

// Code はチャンネル用のエラーコードを返す
func (e *NotFoundError) Code() string { return CodeNotFound }

// FormatError はエンジンがファイルを解析できなかったことを表す
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("レイアウトファイルを解析できません: %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Code はチャンネル用のエラーコードを返す
func (e *FormatError) Code() string { return CodeFormat }

// InvalidIdentifierError は識別子が不正（トラバーサル等）であることを表す
type InvalidIdentifierError struct {
	Identifier string
	Reason     string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("不正なレイアウト識別子 %q: %s", e.Identifier, e.Reason)
}

// Code はチャンネル用のエラーコードを返す
func (e *InvalidIdentifierError) Code() string { return CodeInvalidIdentifier }
