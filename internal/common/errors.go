package common

import (
	"errors"
	"fmt"
)

// AppError 应用级错误结构
// Message 面向用户，会原样展示在任务状态里；Err 只用于日志
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码匹配，使 errors.Is(err, ErrAlreadyRunning) 可用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WrapError 包装错误
func WrapError(code, message string, err error) error {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewError 创建新错误
func NewError(code, message string) error {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// 错误码常量
const (
	ErrCodeGitHubAPI        = "GITHUB_API_ERROR"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeTransientFetch   = "TRANSIENT_FETCH_FAILURE"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeAlreadyRunning   = "ALREADY_RUNNING"
	ErrCodeInsufficientData = "INSUFFICIENT_DATA"
	ErrCodeMalformedOutput  = "MALFORMED_MODEL_OUTPUT"
	ErrCodePartialScoring   = "PARTIAL_SCORING_FAILURE"
	ErrCodeModelUnavailable = "MODEL_UNAVAILABLE"
	ErrCodeDatabase         = "DATABASE_ERROR"
	ErrCodeNotification     = "NOTIFICATION_ERROR"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// 用于 errors.Is 的哨兵错误
var (
	ErrAlreadyRunning   = NewError(ErrCodeAlreadyRunning, "a job of this kind is already running")
	ErrRateLimited      = NewError(ErrCodeRateLimited, "GitHub rate limit exceeded")
	ErrTransientFetch   = NewError(ErrCodeTransientFetch, "temporary GitHub failure")
	ErrFetchFailed      = NewError(ErrCodeFetchFailed, "GitHub request failed")
	ErrInsufficientData = NewError(ErrCodeInsufficientData, "not enough data")
	ErrMalformedOutput  = NewError(ErrCodeMalformedOutput, "model returned malformed output")
	ErrPartialScoring   = NewError(ErrCodePartialScoring, "candidate scoring failed")
	ErrModelUnavailable = NewError(ErrCodeModelUnavailable, "language model unavailable")
	ErrNotFound         = NewError(ErrCodeNotFound, "not found")
	ErrInvalidInput     = NewError(ErrCodeInvalidInput, "invalid input")
)

// CodeOf 返回错误链上第一个 AppError 的错误码
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// UserMessage 返回可以展示给用户的信息，不暴露底层错误
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "unexpected internal error"
}
