package errors

// 预定义哨兵错误（用于 errors.Is 比较）
var (
	ErrCodeNotFound      = New(CodeCodeNotFound, "pairing code not found")
	ErrAlreadyPaired     = New(CodeAlreadyPaired, "pairing code already redeemed")
	ErrExpired           = New(CodeExpired, "pairing code expired")
	ErrValidationError   = New(CodeValidationError, "validation error")
	ErrConnectionError   = New(CodeConnectionError, "connection error")
	ErrTimeout           = New(CodeTimeout, "operation timeout")
	ErrAdmissionRejected = New(CodeAdmissionRejected, "rejected")
	ErrUnauthorized      = New(CodeUnauthorized, "unauthorized")
	ErrForbidden         = New(CodeForbidden, "forbidden")
	ErrRateLimited       = New(CodeRateLimited, "rate limit exceeded")
	ErrNotFound          = New(CodeNotFound, "resource not found")
	ErrStorageError      = New(CodeStorageError, "storage error")
	ErrUnavailable       = New(CodeUnavailable, "service unavailable")
	ErrServiceClosed     = New(CodeServiceClosed, "service closed")
)

// 对外暴露的配对失败原因
const (
	ReasonCodeNotFound    = "CodeNotFound"
	ReasonAlreadyPaired   = "AlreadyPaired"
	ReasonExpired         = "Expired"
	ReasonValidationError = "ValidationError"
	ReasonConnectionError = "ConnectionError"
	ReasonUnauthorized    = "Unauthorized"
	ReasonRejected        = "Rejected"
	ReasonInternal        = "InternalError"
)

// PairingReason 将错误映射为对外可见的原因字符串
// 未知错误统一返回 InternalError，不携带原始信息
func PairingReason(err error) string {
	switch GetCode(err) {
	case CodeCodeNotFound:
		return ReasonCodeNotFound
	case CodeAlreadyPaired:
		return ReasonAlreadyPaired
	case CodeExpired:
		return ReasonExpired
	case CodeValidationError, CodeInvalidParam:
		return ReasonValidationError
	case CodeConnectionError, CodeTimeout, CodeUnavailable:
		return ReasonConnectionError
	case CodeUnauthorized:
		return ReasonUnauthorized
	case CodeAdmissionRejected, CodeRateLimited, CodeForbidden:
		return ReasonRejected
	default:
		return ReasonInternal
	}
}

// IsPairingError 检查是否为配对终止类错误（需要用户重新发起配对）
func IsPairingError(err error) bool {
	return IsCode(err, CodeCodeNotFound) ||
		IsCode(err, CodeAlreadyPaired) ||
		IsCode(err, CodeExpired) ||
		IsCode(err, CodeValidationError)
}

// IsRetryable 检查错误是否可重试
// 超时按连接错误处理
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeConnectionError, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}
