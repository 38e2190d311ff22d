// Package protocol decodes the status channel's wire format into task events.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

// MessageType is the envelope discriminator sent by the service.
type MessageType string

const (
	MessageTypeStatus MessageType = "status"
	MessageTypeUpdate MessageType = "update"
	MessageTypeError  MessageType = "error"
)

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	Status   *string         `json:"status"`
	Progress json.RawMessage `json:"progress"`
	Message  string          `json:"message"`
	Error    *string         `json:"error"`
}

// Decode turns one raw channel message into an event. Anything that does not
// follow the protocol is rejected with an error wrapping
// quantize.ErrMalformedMessage; such messages must never reach a task.
func Decode(raw []byte) (quantize.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	switch env.Type {
	case MessageTypeStatus, MessageTypeUpdate, MessageTypeError:
	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed("unknown type %q", env.Type)
	}

	data, err := decodeData(env)
	if err != nil {
		return nil, err
	}

	if env.Type == MessageTypeError && data.Status == nil {
		return quantize.ChannelFailureEvent{Reason: data.Message}, nil
	}
	if data.Status == nil {
		return nil, malformed("missing status")
	}

	progress, err := decodeProgress(data.Progress)
	if err != nil {
		return nil, err
	}

	switch quantize.ParseServerStatus(*data.Status) {
	case quantize.ServerStatusPending, quantize.ServerStatusProcessing, quantize.ServerStatusStarted:
		return quantize.ProgressEvent{Progress: progress, Message: data.Message}, nil
	case quantize.ServerStatusCompleted:
		return quantize.TerminalEvent{Outcome: quantize.OutcomeCompleted, Message: data.Message}, nil
	case quantize.ServerStatusError:
		detail := data.Message
		if data.Error != nil && *data.Error != "" {
			detail = *data.Error
		}
		return quantize.TerminalEvent{Outcome: quantize.OutcomeError, Message: data.Message, Detail: detail}, nil
	case quantize.ServerStatusCancelled:
		return quantize.TerminalEvent{Outcome: quantize.OutcomeCancelled, Message: data.Message, Detail: data.Message}, nil
	default:
		return nil, malformed("unknown status %q", *data.Status)
	}
}

func decodeData(env envelope) (statusData, error) {
	var data statusData
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if env.Type == MessageTypeError {
			return data, nil
		}
		return data, malformed("missing data")
	}
	if trimmed[0] != '{' {
		return data, malformed("data is not an object")
	}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return data, malformed("invalid data: %v", err)
	}
	return data, nil
}

// decodeProgress accepts any JSON number, defaults a missing or null value
// to zero and clamps the result into 0..100.
func decodeProgress(raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, nil
	}

	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, malformed("progress is not numeric: %s", trimmed)
	}
	if math.IsNaN(f) {
		return 0, malformed("progress is not numeric")
	}
	// Clamp before converting: out-of-range floats have no defined int value.
	return int(math.Round(math.Max(0, math.Min(100, f)))), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", quantize.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
