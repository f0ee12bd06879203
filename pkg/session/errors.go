package session

import (
	"fmt"
	"time"
)

// ErrorCategory категории ошибок сессии
type ErrorCategory string

const (
	ErrorCategorySystem     ErrorCategory = "SYSTEM"
	ErrorCategoryTransport  ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout    ErrorCategory = "TIMEOUT"
	ErrorCategoryProtocol   ErrorCategory = "PROTOCOL"
	ErrorCategoryMedia      ErrorCategory = "MEDIA"
	ErrorCategoryRejection  ErrorCategory = "REJECTION"
	ErrorCategorySubscribe  ErrorCategory = "SUBSCRIBE"
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
)

// ErrorSeverity уровни критичности
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL"
	ErrorSeverityError    ErrorSeverity = "ERROR"
	ErrorSeverityWarning  ErrorSeverity = "WARNING"
)

// Стабильные коды терминальных исходов. Слой UI интерпретирует код,
// а не текст сообщения
const (
	CodeNotFound         = "SESSION_NOT_FOUND"
	CodeDeclined         = "SESSION_DECLINED"
	CodeBusy             = "SESSION_BUSY"
	CodeCancelled        = "SESSION_CANCELLED"
	CodeTimeout          = "SESSION_TIMEOUT"
	CodeForbidden        = "SESSION_FORBIDDEN"
	CodeFailed           = "SESSION_FAILED"
	CodeMissingAck       = "SESSION_MISSING_ACK"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodeSubscribeFailed  = "SUBSCRIBE_FAILED"
	CodeUnexpected       = "UNEXPECTED_EXCEPTION"
)

// Error структурированная ошибка сессии с контекстом
type Error struct {
	Code      string
	Message   string
	Category  ErrorCategory
	Severity  ErrorSeverity
	SessionID string
	Timestamp time.Time
	Cause     error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewError создает структурированную ошибку сессии
func NewError(code string, category ErrorCategory, severity ErrorSeverity, sessionID, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Category:  category,
		Severity:  severity,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// Предопределенные конструкторы терминальных исходов

func ErrNotFound(sessionID string) *Error {
	return NewError(CodeNotFound, ErrorCategoryProtocol, ErrorSeverityError, sessionID,
		"удаленная сторона не найдена")
}

func ErrDeclined(sessionID string) *Error {
	return NewError(CodeDeclined, ErrorCategoryRejection, ErrorSeverityWarning, sessionID,
		"вызов отклонен удаленной стороной")
}

func ErrBusy(sessionID string) *Error {
	return NewError(CodeBusy, ErrorCategoryRejection, ErrorSeverityWarning, sessionID,
		"удаленная сторона занята")
}

func ErrCancelled(sessionID string) *Error {
	return NewError(CodeCancelled, ErrorCategoryRejection, ErrorSeverityWarning, sessionID,
		"вызов отменен")
}

func ErrTimeout(sessionID, what string) *Error {
	return NewError(CodeTimeout, ErrorCategoryTimeout, ErrorSeverityError, sessionID,
		"истекло ожидание: %s", what)
}

func ErrForbidden(sessionID string) *Error {
	return NewError(CodeForbidden, ErrorCategoryProtocol, ErrorSeverityError, sessionID,
		"запрос отвергнут сервером")
}

func ErrFailed(sessionID string, status int, reason string) *Error {
	return NewError(CodeFailed, ErrorCategoryProtocol, ErrorSeverityError, sessionID,
		"сессия отклонена: %d %s", status, reason)
}

func ErrMissingAck(sessionID string) *Error {
	return NewError(CodeMissingAck, ErrorCategoryTimeout, ErrorSeverityError, sessionID,
		"ACK не получен после финального ответа")
}

func ErrUnsupportedMedia(sessionID string) *Error {
	return NewError(CodeUnsupportedMedia, ErrorCategoryMedia, ErrorSeverityError, sessionID,
		"нет совместимого медиа формата")
}

func ErrSubscribeFailed(sessionID string, cause error) *Error {
	return NewError(CodeSubscribeFailed, ErrorCategorySubscribe, ErrorSeverityError, sessionID,
		"подписка на состав конференции провалена").WithCause(cause)
}

func ErrUnexpected(sessionID string, cause error) *Error {
	return NewError(CodeUnexpected, ErrorCategoryTransport, ErrorSeverityCritical, sessionID,
		"сбой ввода-вывода").WithCause(cause)
}
