package hass

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		id      int64
		msgType string
		payload any
		want    map[string]any
		wantErr bool
	}{
		{
			name:    "no payload",
			id:      1,
			msgType: "get_states",
			want:    map[string]any{"id": float64(1), "type": "get_states"},
		},
		{
			name:    "struct payload is flattened",
			id:      7,
			msgType: "call_service",
			payload: callServicePayload{Domain: "light", Service: "turn_on", ServiceData: map[string]any{"entity_id": "light.kitchen"}},
			want: map[string]any{
				"id": float64(7), "type": "call_service", "domain": "light", "service": "turn_on",
				"service_data": map[string]any{"entity_id": "light.kitchen"},
			},
		},
		{
			name:    "id and type win over payload keys",
			id:      3,
			msgType: "ping",
			payload: map[string]any{"id": 99, "type": "spoofed", "extra": true},
			want:    map[string]any{"id": float64(3), "type": "ping", "extra": true},
		},
		{
			name:    "non-object payload",
			id:      1,
			msgType: "bad",
			payload: []int{1, 2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeRequest(tt.id, tt.msgType, tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatal("EncodeRequest() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}

			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("EncodeRequest() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				gotJSON, _ := json.Marshal(got[k])
				wantJSON, _ := json.Marshal(v)
				if string(gotJSON) != string(wantJSON) {
					t.Errorf("field %q = %s, want %s", k, gotJSON, wantJSON)
				}
			}
		})
	}
}

func TestEncodeAuth(t *testing.T) {
	data, err := EncodeAuth("secret")
	if err != nil {
		t.Fatalf("EncodeAuth() error = %v", err)
	}
	if got := string(data); got != `{"type":"auth","access_token":"secret"}` {
		t.Errorf("EncodeAuth() = %s", got)
	}
}

func TestDecodeFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, f Frame)
	}{
		{
			name:  "auth required",
			input: `{"type":"auth_required","ha_version":"2026.10.1"}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindAuthRequired || f.HAVersion != "2026.10.1" {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:  "auth invalid",
			input: `{"type":"auth_invalid","message":"Invalid access token or password"}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindAuthInvalid || f.Message == "" {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:  "successful result",
			input: `{"id":4,"type":"result","success":true,"result":{"a":1}}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindResult || f.ID != 4 || !f.Success || string(f.Result) != `{"a":1}` {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:  "failed result",
			input: `{"id":5,"type":"result","success":false,"error":{"code":"not_found","message":"Entity not found"}}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindResult || f.Success || f.Err == nil || f.Err.Code != "not_found" {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:  "failed result without detail",
			input: `{"id":6,"type":"result","success":false}`,
			check: func(t *testing.T, f Frame) {
				if f.Err == nil || f.Err.Code == "" {
					t.Errorf("frame = %+v, want synthesized error", f)
				}
			},
		},
		{
			name:  "pong resolves as success",
			input: `{"id":9,"type":"pong"}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindResult || f.ID != 9 || !f.Success {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:  "event",
			input: `{"id":2,"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"light.x"},"origin":"LOCAL","time_fired":"2026-10-18T09:00:00.123456+00:00"}}`,
			check: func(t *testing.T, f Frame) {
				if f.Kind != KindEvent || f.ID != 2 || f.Event == nil {
					t.Fatalf("frame = %+v", f)
				}
				if f.Event.Type != "state_changed" || f.Event.TimeFired.IsZero() {
					t.Errorf("event = %+v", f.Event)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := DecodeFrames([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeFrames() error = %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("DecodeFrames() returned %d frames, want 1", len(frames))
			}
			tt.check(t, frames[0])
		})
	}
}

func TestDecodeFrames_Malformed(t *testing.T) {
	inputs := map[string]string{
		"empty":              ``,
		"not json":           `{"id":`,
		"missing type":       `{"id":1}`,
		"unknown type":       `{"type":"mystery"}`,
		"result without id":  `{"type":"result","success":true}`,
		"result w/o success": `{"id":1,"type":"result"}`,
		"event without type": `{"id":1,"type":"event","event":{"data":{}}}`,
		"pong without id":    `{"type":"pong"}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrames([]byte(input))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeFrames(%q) error = %v, want ErrMalformedFrame", input, err)
			}
		})
	}
}

func TestDecodeFrames_Batch(t *testing.T) {
	input := `[{"id":1,"type":"result","success":true,"result":null},{"type":"bogus"},{"id":2,"type":"pong"}]`

	frames, err := DecodeFrames([]byte(input))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeFrames() error = %v, want ErrMalformedFrame for bogus element", err)
	}
	if len(frames) != 2 {
		t.Fatalf("DecodeFrames() returned %d frames, want 2", len(frames))
	}
	if frames[0].ID != 1 || frames[1].ID != 2 {
		t.Errorf("frames out of order: %d, %d", frames[0].ID, frames[1].ID)
	}
}

func TestHubError(t *testing.T) {
	err := error(&HubError{Code: "unauthorized", Message: "Unauthorized"})
	if !errors.Is(err, ErrHub) {
		t.Error("errors.Is(HubError, ErrHub) = false")
	}
	if err.Error() == "" {
		t.Error("HubError.Error() is empty")
	}
}
