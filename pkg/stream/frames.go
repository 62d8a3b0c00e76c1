package stream

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Frame is one inbound message unit from the persistent transport.
type Frame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

const (
	FrameStart     = "start"
	FrameChunk     = "chunk"
	FrameEnd       = "end"
	FrameError     = "error"
	FrameHeartbeat = "heartbeat"
)

// DecodeFrame parses a raw transport payload into a Frame. Payloads that are
// not JSON objects fail to decode; frames with an unrecognized type decode
// fine and are handled (ignored) downstream.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	return f, nil
}
