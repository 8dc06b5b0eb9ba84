package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON, or a payload that is not a
	// JSON-RPC message at all.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeTransport is used by HTTP transports for rejections that are not
	// tied to a particular JSON-RPC message (bad headers, unsupported version,
	// wrong method, conflicting streams).
	ErrorCodeTransport ErrorCode = -32000
	// ErrorCodeSessionNotFound is returned when a request names a session id
	// the server does not know.
	ErrorCodeSessionNotFound ErrorCode = -32001
)

// Error is a JSON-RPC error object. It also satisfies the error interface so
// that clients can return remote failures directly.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
