// Package jsonrpc implements the JSON-RPC 2.0 framing used by the MCP
// streaming HTTP transport: message classification, request and response
// envelopes and error objects.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only JSON-RPC version accepted.
const ProtocolVersion = "2.0"

// AnyMessage is a decoded inbound message of unknown kind: request,
// notification or response.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a JSON-RPC request. A nil ID makes it a notification.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response is a JSON-RPC response carrying either a result or an error.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResultResponse marshals result into a successful response.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response. id may be nil when the failing
// message could not be attributed to a request.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type wire AnyMessage
	var raw wire
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	switch {
	case raw.Method != "" && (hasResult || hasError):
		return errors.New("request message cannot have result or error fields")
	case raw.Method == "" && hasResult && hasError:
		return errors.New("response message cannot have both result and error fields")
	case raw.Method == "" && !hasResult && !hasError:
		return errors.New("response message must have either result or error field")
	}

	*m = AnyMessage(raw)
	return nil
}

// Type classifies the message as "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method == "" {
		return "response"
	}
	if m.ID.IsNil() {
		return "notification"
	}
	return "request"
}

// AsRequest returns the message as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the message as a Response, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}
