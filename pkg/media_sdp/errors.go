package media_sdp

import (
	"errors"
	"fmt"
)

// NegotiationErrorCode определяет коды ошибок SDP переговоров
type NegotiationErrorCode int

const (
	ErrorCodeInvalidConfig NegotiationErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeMissingMedia
	ErrorCodeUnsupportedMediaType
	ErrorCodeCodecMismatch
	ErrorCodeTransportOpen
	ErrorCodeNotNegotiated
)

// NegotiationError представляет ошибку SDP переговоров
type NegotiationError struct {
	Code      NegotiationErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// NewNegotiationError создает новую ошибку переговоров
func NewNegotiationError(code NegotiationErrorCode, sessionID string, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}

// WrapNegotiationError оборачивает существующую ошибку
func WrapNegotiationError(code NegotiationErrorCode, sessionID string, err error, format string, args ...interface{}) *NegotiationError {
	return &NegotiationError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// Error реализует интерфейс error
func (e *NegotiationError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (Session: %s)", e.SessionID)
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *NegotiationError) Unwrap() error {
	return e.Wrapped
}

// IsUnsupportedMediaType сообщает, что переговоры провалились из-за
// несовместимых кодеков. Сессия отвечает на такой offer кодом 415
func IsUnsupportedMediaType(err error) bool {
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		return negErr.Code == ErrorCodeUnsupportedMediaType
	}
	return false
}
