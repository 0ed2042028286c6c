package httpservice

import (
	"net/http"

	coreerrors "signage-core/internal/core/errors"
)

// StatusForError 将错误码映射为 HTTP 状态码
func StatusForError(err error) int {
	switch coreerrors.GetCode(err) {
	case coreerrors.CodeCodeNotFound, coreerrors.CodeNotFound:
		return http.StatusNotFound
	case coreerrors.CodeAlreadyPaired:
		return http.StatusConflict
	case coreerrors.CodeExpired:
		return http.StatusGone
	case coreerrors.CodeValidationError, coreerrors.CodeInvalidParam:
		return http.StatusBadRequest
	case coreerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case coreerrors.CodeForbidden:
		return http.StatusForbidden
	case coreerrors.CodeAdmissionRejected, coreerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case coreerrors.CodeConnectionError, coreerrors.CodeTimeout, coreerrors.CodeUnavailable, coreerrors.CodeServiceClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondPairingError 以配对原因字符串响应错误，不返回内部错误信息
func RespondPairingError(w http.ResponseWriter, err error) {
	RespondError(w, StatusForError(err), coreerrors.PairingReason(err))
}
