package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603

	// ErrorCodeBadSession is returned when a non-initialize message arrives
	// without a session id.
	ErrorCodeBadSession ErrorCode = -32000
	// ErrorCodeUnknownSession is returned when the session id does not name a
	// live session.
	ErrorCodeUnknownSession ErrorCode = -32001
)
