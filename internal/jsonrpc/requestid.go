package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id. On the wire it is a string or a number; ids
// compare by their textual form so 7 and 7.0 name the same request.
type RequestID struct {
	text    string
	numeric bool
	valid   bool
}

// NewRequestID wraps a string or numeric id. Other types yield a nil id.
func NewRequestID(v any) *RequestID {
	switch v := v.(type) {
	case string:
		return &RequestID{text: v, valid: true}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return &RequestID{text: fmt.Sprint(v), numeric: true, valid: true}
	case float32:
		return &RequestID{text: formatFloat(float64(v)), numeric: true, valid: true}
	case float64:
		return &RequestID{text: formatFloat(v), numeric: true, valid: true}
	}
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Equal reports whether two ids carry the same textual value.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return id.text == other.text
}

// String returns the textual id, or "" for a nil id.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	return id.text
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool { return id == nil || !id.valid }

func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.numeric:
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = RequestID{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{text: s, valid: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
	}
	if i, err := n.Int64(); err == nil {
		*id = RequestID{text: strconv.FormatInt(i, 10), numeric: true, valid: true}
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("JSON-RPC id out of range: %s", data)
	}
	*id = RequestID{text: formatFloat(f), numeric: true, valid: true}
	return nil
}

// ParseRequestID decodes a raw id value such as the requestId field of a
// cancellation notification.
func ParseRequestID(raw json.RawMessage) (*RequestID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing request id")
	}
	id := &RequestID{}
	if err := id.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	if id.IsNil() {
		return nil, fmt.Errorf("null request id")
	}
	return id, nil
}
