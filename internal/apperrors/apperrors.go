package apperrors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 统一管理业务错误，包含错误码和对客户端可见的错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 客户端可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeAuthRequired      = 10001
	CodeTokenInvalid      = 10002
	CodeAuthNotConfigured = 10003

	// 用户相关 11000-11999
	CodeUserNotFound = 11001

	// 房间相关 13000-13999
	CodeRoomNotFound = 13001
	CodeRoomInvalid  = 13002

	// 消息相关 14000-14999
	CodeRateLimited      = 14001
	CodeRecipientOffline = 14002
	CodeMissingRecipient = 14003

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrAuthRequired      = NewError(CodeAuthRequired, "Authentication required")
	ErrTokenInvalid      = NewError(CodeTokenInvalid, "Invalid authentication")
	ErrAuthNotConfigured = NewError(CodeAuthNotConfigured, "Server authentication error")
	ErrUserNotFound      = NewError(CodeUserNotFound, "User not found")
)

// 房间相关
var (
	ErrRoomNotFound = NewError(CodeRoomNotFound, "Invalid room")
	ErrRoomInvalid  = NewError(CodeRoomInvalid, "Invalid room")
)

// 消息相关
var (
	ErrRecipientOffline = NewError(CodeRecipientOffline, "User is not currently online")
	ErrMissingRecipient = NewError(CodeMissingRecipient, "Private message requires a recipient")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "Internal server error")
	ErrDBError     = NewError(CodeDBError, "Database error")
)
