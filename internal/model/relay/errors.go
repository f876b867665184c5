package relay

import (
	"errors"
	"fmt"
)

// ErrorKind 区分客户端需要不同处理方式的错误类别。
type ErrorKind string

const (
	KindConfig         ErrorKind = "config_error"
	KindAuth           ErrorKind = "auth_error"
	KindQuota          ErrorKind = "quota_exceeded"
	KindBlocked        ErrorKind = "region_blocked"
	KindTransient      ErrorKind = "transient"
	KindConnectionLost ErrorKind = "connection_lost"
	KindMalformedAudio ErrorKind = "malformed_audio"
	KindTimeout        ErrorKind = "timeout"
	KindProtocol       ErrorKind = "protocol_error"
	KindUpstream       ErrorKind = "upstream_error"
)

// Retryable 表示客户端可以稍后重试。
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindConnectionLost, KindMalformedAudio, KindTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

// Fatal 表示该错误会终止整个会话。
func (k ErrorKind) Fatal() bool {
	return k == KindConfig || k == KindConnectionLost
}

// Error 中继层统一错误类型。
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Err     error
}

// NewError 创建指定类别的错误。
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf 使用格式化消息创建错误。
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail 附加给客户端展示的细节。
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// AsError 从错误链中取出 *Error。
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf 返回错误类别，未分类的错误视为上游错误。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if re, ok := AsError(err); ok {
		return re.Kind
	}
	return KindUpstream
}

// IsKind 判断错误是否属于指定类别。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
