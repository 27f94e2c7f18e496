package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage is the union of every JSON-RPC envelope. Decoding enforces the
// 2.0 structural rules; Classify tells the variants apart.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request, or a notification when ID is nil.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse answers id with result marshaled to JSON.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse answers id with an error object.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

var (
	errRequestWithOutcome = errors.New("request message cannot have result or error fields")
	errAmbiguousResponse  = errors.New("response message cannot have both result and error fields")
	errEmptyResponse      = errors.New("response message must have either result or error field")
)

func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}
	hasResult, hasError := len(raw.Result) > 0, raw.Error != nil
	switch {
	case raw.Method != "" && (hasResult || hasError):
		return errRequestWithOutcome
	case raw.Method == "" && hasResult && hasError:
		return errAmbiguousResponse
	case raw.Method == "" && !hasResult && !hasError:
		return errEmptyResponse
	}
	*m = AnyMessage(raw)
	return nil
}
