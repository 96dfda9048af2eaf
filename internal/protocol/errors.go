package protocol

// ErrorCode is the code carried by an error frame.
type ErrorCode string

const (
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeNotOperator      ErrorCode = "NOT_OPERATOR"
	CodeSessionClaimed   ErrorCode = "SESSION_CLAIMED"
	CodeNotClaimed       ErrorCode = "NOT_CLAIMED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeTmuxError        ErrorCode = "TMUX_ERROR"
	CodeUnknownType      ErrorCode = "UNKNOWN_TYPE"
	CodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"
)

// Error is an error that carries a wire code.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError returns a coded error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
