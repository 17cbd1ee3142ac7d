package bria

import (
	"errors"
	"fmt"

	"bria-masktools/internal/pixel"
)

// FailureKind 失败分类，调用方据此区分凭证错误、网络抖动与远端数据异常
type FailureKind int

const (
	// 本地确定性错误（来自像素转换层），不重试
	KindInvalidBitmap FailureKind = iota + 1
	KindDecodeError
	KindUnsupportedTargetKind
	// 响应结构错误，不重试
	KindInvalidResponse
	KindMissingResult
	KindNoValidResults
	// 服务端返回的非 200 状态码，仅首次 422 会重试
	KindHTTPError
	// 传输层失败（DNS / TLS / 超时），首次失败会重试一次
	KindNetworkError
	// 调用方输入不完整（API Key 过短、擦除缺少蒙版等）
	KindInvalidRequest
)

func (k FailureKind) String() string {
	switch k {
	case KindInvalidBitmap:
		return "InvalidBitmap"
	case KindDecodeError:
		return "DecodeError"
	case KindUnsupportedTargetKind:
		return "UnsupportedTargetKind"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindMissingResult:
		return "MissingResult"
	case KindNoValidResults:
		return "NoValidResults"
	case KindHTTPError:
		return "HttpError"
	case KindNetworkError:
		return "NetworkError"
	case KindInvalidRequest:
		return "InvalidRequest"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// OperationError 是 OperationResult 的失败分支，携带足够的结构化信息供调用方渲染提示
type OperationError struct {
	Kind FailureKind
	// StatusCode 仅 KindHTTPError 时有值
	StatusCode int
	Message    string
	// Detail 服务端响应体或底层错误文本
	Detail string
	// InvalidCredential 服务端返回 401，调用方应单独提示 API Key 无效
	InvalidCredential bool
	Err               error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Detail != "" {
		msg += " - Details: " + e.Detail
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Retryable 是否属于可重试条件（HTTP 422 或传输层失败）
func (e *OperationError) Retryable() bool {
	return e.Kind == KindNetworkError || (e.Kind == KindHTTPError && e.StatusCode == 422)
}

// statusMessages 状态码与提示文案的固定映射，需与插件历史版本逐字一致
var statusMessages = map[int]string{
	206: "File value was not provided.",
	400: "Bad request. Please check your input.",
	401: "Unauthorized. Please check your API key.",
	403: "Forbidden. Your API key may not have access to this feature.",
	404: "Endpoint not found.",
	405: "Method not allowed.",
	413: "File too large. Please use a smaller image.",
	415: "Unsupported media type. Please use JPG or PNG format.",
	429: "Too many requests. Please wait a moment and try again.",
	460: "Failed to download image.",
	500: "Internal server error. Please try again later.",
	503: "Service temporarily unavailable. Please try again later.",
	506: "Insufficient data. The given input is not supported by the Bria API.",
}

const unknownStatusMessage = "Unknown error. Please check your connection."

// StatusMessage 返回形如 "Error 403: Forbidden. ..." 的提示文案
func StatusMessage(code int) string {
	msg, ok := statusMessages[code]
	if !ok {
		msg = unknownStatusMessage
	}
	return fmt.Sprintf("Error %d: %s", code, msg)
}

func newHTTPError(code int, detail string) *OperationError {
	return &OperationError{
		Kind:              KindHTTPError,
		StatusCode:        code,
		Message:           StatusMessage(code),
		Detail:            detail,
		InvalidCredential: code == 401,
	}
}

func newFailure(kind FailureKind, message string, err error) *OperationError {
	e := &OperationError{Kind: kind, Message: message, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// fromAdapterError 将像素转换层的哨兵错误映射为失败分类
func fromAdapterError(message string, err error) *OperationError {
	switch {
	case errors.Is(err, pixel.ErrDecodeError):
		return newFailure(KindDecodeError, message, err)
	case errors.Is(err, pixel.ErrUnsupportedTargetKind):
		return newFailure(KindUnsupportedTargetKind, message, err)
	default:
		return newFailure(KindInvalidBitmap, message, err)
	}
}
