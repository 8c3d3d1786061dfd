package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicelink/internal/core"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into the {"type","data"} wire envelope.
func Encode(event string, payload any) (core.Frame, error) {
	env := envelope{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// Decode splits a wire envelope into its event name and raw payload.
func Decode(f core.Frame) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("decode frame: missing type")
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	return env.Type, env.Data, nil
}
