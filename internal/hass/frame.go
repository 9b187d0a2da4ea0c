package hass

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind identifies the variant of an inbound frame.
type FrameKind int

// Inbound frame kinds.
const (
	KindUnknown FrameKind = iota
	KindAuthRequired
	KindAuthOK
	KindAuthInvalid
	KindResult
	KindEvent
)

// Wire message types.
const (
	msgAuthRequired = "auth_required"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgAuth         = "auth"
	msgResult       = "result"
	msgPong         = "pong"
	msgEvent        = "event"
)

// Frame is one decoded inbound message.
//
// For KindResult, ID is the correlation id and either Result (Success=true)
// or Err (Success=false) is set. For KindEvent, ID is the hub subscription id
// and Event is set; it is never looked up in the pending table.
type Frame struct {
	Kind      FrameKind
	ID        int64
	Success   bool
	Result    json.RawMessage
	Err       *HubError
	Event     *Event
	HAVersion string
	Message   string
}

// Event is a hub-originated event delivered to subscribers.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// wireFrame mirrors every field an inbound frame may carry.
type wireFrame struct {
	ID        *int64          `json:"id"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *HubError       `json:"error"`
	Event     *Event          `json:"event"`
	HAVersion string          `json:"ha_version"`
	Message   string          `json:"message"`
}

// EncodeRequest builds a request frame. Payload fields are flattened into
// the top-level object; id and type always override payload keys.
//
// Parameters:
//   - id: Correlation id for this connection
//   - msgType: Hub command type (e.g. "get_states")
//   - payload: Struct or map marshalling to a JSON object, or nil
//
// Returns:
//   - []byte: Encoded frame
//   - error: If payload does not marshal to a JSON object
func EncodeRequest(id int64, msgType string, payload any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%s payload is not an object: %w", msgType, err)
			}
		}
	}

	idRaw, _ := json.Marshal(id)        //nolint:errcheck // int64 always marshals
	typeRaw, _ := json.Marshal(msgType) //nolint:errcheck // string always marshals
	fields["id"] = idRaw
	fields["type"] = typeRaw

	return json.Marshal(fields)
}

// EncodeAuth builds the credential frame sent in reply to auth_required.
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}{Type: msgAuth, AccessToken: token})
}

// DecodeFrames decodes one websocket message into frames. The hub may
// coalesce several frames into a JSON array.
//
// A malformed element does not discard its well-formed siblings: the
// decodable frames are returned together with an ErrMalformedFrame error.
func DecodeFrames(data []byte) ([]Frame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}

	if trimmed[0] != '[' {
		f, err := decodeFrame(trimmed)
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	frames := make([]Frame, 0, len(elems))
	var firstErr error
	for _, raw := range elems {
		f, err := decodeFrame(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		frames = append(frames, f)
	}
	return frames, firstErr
}

func decodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch w.Type {
	case msgAuthRequired:
		return Frame{Kind: KindAuthRequired, HAVersion: w.HAVersion}, nil
	case msgAuthOK:
		return Frame{Kind: KindAuthOK, HAVersion: w.HAVersion}, nil
	case msgAuthInvalid:
		return Frame{Kind: KindAuthInvalid, Message: w.Message}, nil
	case msgResult:
		if w.ID == nil {
			return Frame{}, fmt.Errorf("%w: result without id", ErrMalformedFrame)
		}
		if w.Success == nil {
			return Frame{}, fmt.Errorf("%w: result %d without success flag", ErrMalformedFrame, *w.ID)
		}
		f := Frame{Kind: KindResult, ID: *w.ID, Success: *w.Success, Result: w.Result}
		if !f.Success {
			f.Err = w.Error
			if f.Err == nil {
				f.Err = &HubError{Code: "unknown_error", Message: "hub reported failure without detail"}
			}
		}
		return f, nil
	case msgPong:
		if w.ID == nil {
			return Frame{}, fmt.Errorf("%w: pong without id", ErrMalformedFrame)
		}
		return Frame{Kind: KindResult, ID: *w.ID, Success: true}, nil
	case msgEvent:
		if w.Event == nil || w.Event.Type == "" {
			return Frame{}, fmt.Errorf("%w: event without event_type", ErrMalformedFrame)
		}
		f := Frame{Kind: KindEvent, Event: w.Event}
		if w.ID != nil {
			f.ID = *w.ID
		}
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, w.Type)
	}
}
