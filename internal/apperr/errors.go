// Package apperr 定义服务对外暴露的错误分类。
//
// 上传流水线、计数器与目录服务只返回 *Error，HTTP 层根据 Kind 选择状态码，
// 且只向调用方输出 Message，不暴露内部路径或底层错误。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是错误类别。
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindNotFound           Kind = "not_found"
	KindUploadTimeout      Kind = "upload_timeout"
	KindVerificationFailed Kind = "upload_verification_failed"
	KindStorageBackend     Kind = "storage_backend_error"
	KindInternal           Kind = "internal_error"
)

// IsValidation 报告该类别是否属于用户输入错误。
func (k Kind) IsValidation() bool {
	switch k {
	case KindValidation, KindPayloadTooLarge, KindUnsupportedFormat:
		return true
	default:
		return false
	}
}

// Retryable 报告整次操作是否可以由调用方原样重试。
func (k Kind) Retryable() bool {
	switch k {
	case KindUploadTimeout, KindVerificationFailed, KindStorageBackend:
		return true
	default:
		return false
	}
}

// Error 携带类别、操作名与面向用户的信息。
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 构造指定类别的错误。
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap 构造带底层原因的错误。
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

// KindOf 返回 err 链中第一个 *Error 的类别，没有则视为内部错误。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is 报告 err 是否属于指定类别。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage 返回可以安全展示给调用方的信息。
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal server error"
}

// HTTPStatus 将错误类别映射为 HTTP 状态码。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindUnsupportedFormat:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindNotFound:
		return http.StatusNotFound
	case KindUploadTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
