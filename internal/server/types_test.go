package server

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantNil  bool
		wantErr  string
	}{
		{
			name:     "send-message",
			raw:      `{"type":"send-message","data":{"senderId":"u1","channelId":"c1","content":"hi"}}`,
			wantType: EventSendMessage,
		},
		{
			name:     "sticker only",
			raw:      `{"type":"send-message","data":{"senderId":"u1","channelId":"c1","stickerId":"s1"}}`,
			wantType: EventSendMessage,
		},
		{
			name:     "new-call keeps option raw",
			raw:      `{"type":"new-call","data":{"callerId":"u1","channelId":"c1","option":{"video":false}}}`,
			wantType: EventNewCall,
		},
		{
			name:     "unknown type",
			raw:      `{"type":"typing","data":{"x":1}}`,
			wantType: "typing",
			wantNil:  true,
		},
		{
			name:    "not json",
			raw:     `{{`,
			wantErr: "malformed event frame",
		},
		{
			name:     "null data",
			raw:      `{"type":"cancel-call","data":null}`,
			wantType: EventCancelCall,
			wantErr:  "data is required",
		},
		{
			name:     "missing fields",
			raw:      `{"type":"peer-signal","data":{"channelId":"c1"}}`,
			wantType: EventPeerSignal,
			wantErr:  "peerId is required; senderId is required",
		},
		{
			name:     "wrong field type",
			raw:      `{"type":"accept-call","data":{"channelId":42}}`,
			wantType: EventAcceptCall,
			wantErr:  "accept-call",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, ev, err := decodeInbound([]byte(tt.raw))
			if typ != tt.wantType {
				t.Errorf("type: expected %q, got %q", tt.wantType, typ)
			}
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil != (ev == nil) {
				t.Fatalf("unexpected event %#v", ev)
			}
			if ev != nil && ev.EventType() != tt.wantType {
				t.Fatalf("EventType: expected %q, got %q", tt.wantType, ev.EventType())
			}
		})
	}
}

func TestDecodeInboundMalformedIsSentinel(t *testing.T) {
	_, _, err := decodeInbound([]byte(`[`))
	if !errors.Is(err, errMalformedFrame) {
		t.Fatalf("expected errMalformedFrame, got %v", err)
	}
}

func TestNewCallOptionRelayedVerbatim(t *testing.T) {
	_, ev, err := decodeInbound([]byte(`{"type":"new-call","data":{"callerId":"u1","channelId":"c1","option":{"video":false}}}`))
	if err != nil {
		t.Fatal(err)
	}
	call, ok := ev.(*NewCall)
	if !ok {
		t.Fatalf("expected *NewCall, got %T", ev)
	}
	if string(call.Option) != `{"video":false}` {
		t.Fatalf("option changed: %s", call.Option)
	}
}

func TestEventErrorReporting(t *testing.T) {
	if errStore("create message", errors.New("boom")).Reported() {
		t.Error("store errors must not be reported to clients")
	}
	for _, err := range []*EventError{
		errNotAuthenticated(),
		errChannelNotFound(),
		errPermission("nope"),
		errInvalid(errors.New("bad")),
	} {
		if !err.Reported() {
			t.Errorf("%s should be reported", err.Kind)
		}
	}

	wrapped := errStore("op", errMalformedFrame)
	if !errors.Is(wrapped, errMalformedFrame) {
		t.Error("EventError should unwrap its cause")
	}
}
