package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage","params":{}}`, KindRequest},
		{"string id request", `{"jsonrpc":"2.0","id":"abc","method":"elicitation/create"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, KindNotification},
		{"result", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, KindResult},
		{"error", `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"boom"}}`, KindError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, msg, err := Classify([]byte(tc.raw))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, kind)
			}
			if msg == nil {
				t.Fatalf("expected decoded message")
			}
		})
	}
}

func TestClassifyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"jsonrpc":"1.0","id":1,"method":"x"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`not json`,
	} {
		if kind, _, err := Classify([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s, got kind %s", raw, kind)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	req, err := NewRequest(NewRequestID("srv-1"), "elicitation/create", map[string]string{"message": "hi"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got AnyMessage
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.ID.Equal(NewRequestID("srv-1")) {
		t.Fatalf("expected id srv-1, got %q", got.ID.String())
	}
	if got.ID.Equal(NewRequestID(1)) {
		t.Fatalf("ids should differ")
	}
}

func TestNumericIDsCompareByText(t *testing.T) {
	var a, b RequestID
	if err := json.Unmarshal([]byte("42"), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal([]byte("42"), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(&b) || a.String() != "42" {
		t.Fatalf("expected equal numeric ids, got %q/%q", a.String(), b.String())
	}
}

func TestRequestIDNormalizesNumbers(t *testing.T) {
	for raw, want := range map[string]string{`7`: "7", `7.0`: "7", `1.5`: "1.5", `"7"`: "7", `""`: ""} {
		id, err := ParseRequestID(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if id.String() != want {
			t.Fatalf("parse %s: expected %q, got %q", raw, want, id.String())
		}
		out, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if raw != `7.0` && string(out) != raw {
			t.Fatalf("expected %s to round trip, got %s", raw, out)
		}
	}
	for _, raw := range []string{``, `null`, `{}`, `true`} {
		if _, err := ParseRequestID(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestErrorResponseClassifiesAsError(t *testing.T) {
	resp := NewErrorResponse(NewRequestID(3), ErrorCodeRequestCancelled, "cancelled", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	kind, msg, err := Classify(b)
	if err != nil || kind != KindError {
		t.Fatalf("expected error kind, got %s err=%v", kind, err)
	}
	if msg.Error.Code != ErrorCodeRequestCancelled || msg.Error.Error() != "jsonrpc error -32800: cancelled" {
		t.Fatalf("unexpected error object: %+v", msg.Error)
	}
}
