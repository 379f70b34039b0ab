// Package codec translates between chat wire frames and Fragments.
//
// Inbound frames come in three shapes: {type, content}, {message} and
// {error}. They are decoded once here so the rest of the module only
// sees the tagged types.Fragment.
package codec

import (
	"encoding/json"

	"github.com/orchestra-mcp/chatlink/src/types"
)

// Frame is the JSON shape shared by realtime frames and stream lines.
type Frame struct {
	Type    string  `json:"type,omitempty"`
	Content string  `json:"content,omitempty"`
	Message *string `json:"message,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// Outbound is the frame sent by the client over the realtime channel.
type Outbound struct {
	Message string `json:"message"`
}

// StreamRequest is the body posted to the fallback streaming endpoint.
type StreamRequest struct {
	Message string          `json:"message"`
	History []types.Message `json:"history"`
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	Messages []types.Message `json:"messages"`
}

var contentKinds = map[string]types.FragmentKind{
	"text":           types.FragmentText,
	"citation":       types.FragmentCitation,
	"source":         types.FragmentSource,
	"sources_header": types.FragmentSource,
	"typing":         types.FragmentTyping,
}

// Decode parses one frame. ok is false for malformed JSON or a shape
// that carries no known variant; callers skip such frames.
func Decode(data []byte) (types.Fragment, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return types.Fragment{}, false
	}
	return f.Fragment()
}

// Fragment converts an already parsed frame. An error field wins over a
// complete message, which wins over typed content.
func (f Frame) Fragment() (types.Fragment, bool) {
	switch {
	case f.Error != nil:
		return types.Fragment{Kind: types.FragmentError, Payload: *f.Error}, true
	case f.Message != nil:
		return types.Fragment{Kind: types.FragmentFinal, Payload: *f.Message}, true
	case f.Type != "":
		kind, ok := contentKinds[f.Type]
		if !ok {
			return types.Fragment{}, false
		}
		if kind == types.FragmentTyping {
			return types.Fragment{Kind: kind}, true
		}
		return types.Fragment{Kind: kind, Payload: f.Content}, true
	}
	return types.Fragment{}, false
}

// FrameFor builds the inbound frame that decodes back to frag.
func FrameFor(frag types.Fragment) Frame {
	switch frag.Kind {
	case types.FragmentFinal:
		msg := frag.Payload
		return Frame{Message: &msg}
	case types.FragmentError:
		msg := frag.Payload
		return Frame{Error: &msg}
	default:
		return Frame{Type: frag.Kind.String(), Content: frag.Payload}
	}
}

// EncodeFragment marshals frag as an inbound frame.
func EncodeFragment(frag types.Fragment) ([]byte, error) {
	return json.Marshal(FrameFor(frag))
}

// DecodeOutbound parses a client frame. ok is false when the frame is
// malformed or carries no message.
func DecodeOutbound(data []byte) (string, bool) {
	var raw struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.Message == nil {
		return "", false
	}
	return *raw.Message, true
}
