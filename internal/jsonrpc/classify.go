package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Kind is the coarse shape of a JSON-RPC message. Task bookkeeping only ever
// branches on this, never on method names or payloads.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResult
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// IsResponse reports whether k is a success or error response.
func (k Kind) IsResponse() bool { return k == KindResult || k == KindError }

// Classify parses raw and reports its kind along with the decoded envelope.
func Classify(raw []byte) (Kind, *AnyMessage, error) {
	var msg AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return KindInvalid, nil, err
	}
	switch {
	case msg.Method != "" && msg.ID.IsNil():
		return KindNotification, &msg, nil
	case msg.Method != "":
		return KindRequest, &msg, nil
	case msg.Error != nil:
		return KindError, &msg, nil
	case len(msg.Result) > 0:
		return KindResult, &msg, nil
	}
	return KindInvalid, &msg, fmt.Errorf("unclassifiable message")
}

// NewRequest builds a request envelope with params marshaled to JSON.
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

// NewNotification builds a notification (a request without an id).
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}
