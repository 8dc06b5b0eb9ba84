package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantLen   int
		wantBatch bool
		wantErr   error
	}{
		{name: "single request", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, wantLen: 1},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`, wantLen: 2, wantBatch: true},
		{name: "not json", body: `{"jsonrpc":`, wantErr: ErrParse},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantErr: ErrInvalidMessage},
		{name: "response without result", body: `{"jsonrpc":"2.0","id":1}`, wantErr: ErrInvalidMessage},
		{name: "empty batch", body: `[]`, wantBatch: true, wantErr: ErrEmptyBatch},
		{name: "bad element", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"foo":1}]`, wantBatch: true, wantErr: ErrInvalidMessage},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msgs, isBatch, err := ParseBatch([]byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want, got := tc.wantLen, len(msgs); want != got {
				t.Fatalf("want %d messages, got %d", want, got)
			}
			if want, got := tc.wantBatch, isBatch; want != got {
				t.Fatalf("want batch=%v, got %v", want, got)
			}
		})
	}
}

func TestMessageClassification(t *testing.T) {
	var req, note, res AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &note); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"result":{}}`), &res); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if !req.IsRequest() || req.Type() != "request" {
		t.Fatalf("expected request, got %s", req.Type())
	}
	if !note.IsNotification() || note.Type() != "notification" {
		t.Fatalf("expected notification, got %s", note.Type())
	}
	if !res.IsResponse() || res.Type() != "response" {
		t.Fatalf("expected response, got %s", res.Type())
	}
	if want, got := "3", res.ID.String(); want != got {
		t.Fatalf("want id %q, got %q", want, got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	b, err := json.Marshal(NewRequestID(42))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := "42", string(b); want != got {
		t.Fatalf("want %s, got %s", want, got)
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`"abc"`), &id); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := "abc", id.String(); want != got {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestEncodeBatch(t *testing.T) {
	one, _ := NewNotification("ping", nil)
	b, err := EncodeBatch([]*Request{one})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[0] != '{' {
		t.Fatalf("single message should encode as object, got %s", b)
	}
	b, err = EncodeBatch([]*Request{one, one})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b[0] != '[' {
		t.Fatalf("two messages should encode as array, got %s", b)
	}
}
