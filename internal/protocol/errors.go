package protocol

// ErrorCode is the numeric constant sent back to clients in a Response's
// error.code field (spec.md §6 "Error codes").
type ErrorCode int

const (
	InvalidParams   ErrorCode = 1000
	MethodNotFound  ErrorCode = 1001
	Unauthorized    ErrorCode = 1002
	SessionNotFound ErrorCode = 1003
	InternalError   ErrorCode = 1004
)

// Error is the error kind recognized at the core boundary (spec.md §7).
// Services translate lower-level failures into one of these before they
// ever reach a client; provider-specific error values never propagate.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewErrorWithData(code ErrorCode, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func ErrInvalidParams(message string) *Error   { return NewError(InvalidParams, message) }
func ErrMethodNotFound(method string) *Error {
	return NewError(MethodNotFound, "unknown service: "+method)
}
func ErrUnauthorized(message string) *Error    { return NewError(Unauthorized, message) }
func ErrSessionNotFound(message string) *Error { return NewError(SessionNotFound, message) }
func ErrInternal(message string) *Error        { return NewError(InternalError, message) }
