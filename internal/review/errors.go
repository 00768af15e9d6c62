package review

// Error はコード付きのユーザー向けエラーです。HTTP層が Code を
// ステータスに対応付け、Message はそのまま表示できます。
type Error struct {
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, err: cause}
}
