// Package wsbridge implements the WebSocket Terminal Bridge from
// SPEC_FULL.md §4.8: hybrid binary framing over github.com/coder/websocket,
// the terminal attach protocol (with resume), and the message-bus
// subscription endpoint.
package wsbridge

import "encoding/json"

// Tag bytes prefixing every WebSocket binary message (spec.md §4.8).
const (
	TagControl byte = 0x00
	TagData    byte = 0x01
)

// ControlFrame is the JSON body of a 0x00-tagged message.
type ControlFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResizePayload is the payload of a client->server "resize" control frame.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SeqPayload is the payload of a server->client "seq" control frame.
type SeqPayload struct {
	Seq uint64 `json:"seq"`
}

// encodeControl serializes a control frame with its 0x00 tag prefix.
func encodeControl(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	body, err := json.Marshal(ControlFrame{Type: typ, Payload: raw})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, TagControl)
	out = append(out, body...)
	return out, nil
}

// encodeData prepends the 0x01 tag to raw terminal bytes.
func encodeData(p []byte) []byte {
	out := make([]byte, 0, len(p)+1)
	out = append(out, TagData)
	out = append(out, p...)
	return out
}

// decodeFrame splits a received message into its tag and remainder.
func decodeFrame(msg []byte) (tag byte, body []byte, ok bool) {
	if len(msg) == 0 {
		return 0, nil, false
	}
	return msg[0], msg[1:], true
}
