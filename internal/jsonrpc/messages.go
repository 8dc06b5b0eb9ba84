package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

var (
	// ErrParse is returned when a payload is not valid JSON.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrInvalidMessage is returned when valid JSON does not have the shape of
	// a JSON-RPC 2.0 message.
	ErrInvalidMessage = errors.New("jsonrpc: invalid message")
	// ErrEmptyBatch is returned for a batch array with no elements.
	ErrEmptyBatch = errors.New("jsonrpc: empty batch")
)

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewRequest builds a request with the given id. Params are marshaled unless nil.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// UnmarshalJSON enforces JSON-RPC 2.0 framing: the version tag must be "2.0",
// requests may not carry result/error, and responses carry exactly one of them.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage AnyMessage

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: expected jsonrpc %q, got %q", ErrInvalidMessage, ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	if raw.Method != "" {
		if hasResult || hasError {
			return fmt.Errorf("%w: request cannot have result or error fields", ErrInvalidMessage)
		}
	} else {
		if hasResult == hasError {
			return fmt.Errorf("%w: response must have exactly one of result or error", ErrInvalidMessage)
		}
	}

	*m = AnyMessage(raw)
	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// IsRequest reports whether the message is a request expecting a response.
func (m *AnyMessage) IsRequest() bool { return m.Method != "" && !m.ID.IsNil() }

// IsNotification reports whether the message is a request without an id.
func (m *AnyMessage) IsNotification() bool { return m.Method != "" && m.ID.IsNil() }

// IsResponse reports whether the message is a result or error response.
func (m *AnyMessage) IsResponse() bool { return m.Method == "" }

// AsRequest returns the message as a Request if it is a request message, otherwise nil
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// ParseBatch decodes a payload that is either a single JSON-RPC message or
// an array of them. isBatch reports whether the payload was an array.
// Returned errors wrap ErrParse, ErrInvalidMessage or ErrEmptyBatch.
func ParseBatch(data []byte) (msgs []AnyMessage, isBatch bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, false, fmt.Errorf("%w: body is not valid JSON", ErrParse)
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if len(raws) == 0 {
			return nil, true, ErrEmptyBatch
		}
		msgs = make([]AnyMessage, len(raws))
		for i, r := range raws {
			if err := json.Unmarshal(r, &msgs[i]); err != nil {
				return nil, true, fmt.Errorf("batch element %d: %w", i, err)
			}
		}
		return msgs, true, nil
	}
	var m AnyMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, false, err
	}
	return []AnyMessage{m}, false, nil
}

// EncodeBatch marshals msgs as a single object when there is exactly one
// message and as an array otherwise.
func EncodeBatch[T any](msgs []T) ([]byte, error) {
	if len(msgs) == 1 {
		return json.Marshal(msgs[0])
	}
	return json.Marshal(msgs)
}
