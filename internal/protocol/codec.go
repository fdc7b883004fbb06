package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec translates between wire bytes and message values. The server core
// treats serialization as a collaborator so the framing can evolve without
// touching session logic.
type Codec interface {
	// Parse decodes one inbound frame.
	Parse(data []byte) (*ClientMessage, error)

	// Stringify encodes one outbound frame.
	Stringify(msg interface{}) ([]byte, error)
}

// JSONCodec is the default codec: one JSON object per frame.
type JSONCodec struct{}

func (JSONCodec) Parse(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &msg, nil
}

func (JSONCodec) Stringify(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}
