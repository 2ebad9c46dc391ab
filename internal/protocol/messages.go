// Package protocol is the single source of truth for the JSON event shapes
// exchanged between the bridge, the relay and the voice backend.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client -> server variants.
const (
	TypeStart      MessageType = "start"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeCommit     MessageType = "commit"
	TypeText       MessageType = "text"
	TypeEnd        MessageType = "end"
)

// Server -> client variants.
const (
	TypeReady             MessageType = "ready"
	TypeTranscript        MessageType = "transcript"
	TypeTextDelta         MessageType = "text_delta"
	TypeTextCompleted     MessageType = "text_completed"
	TypeAudioDelta        MessageType = "audio_delta"
	TypeResponseCompleted MessageType = "response_completed"
	TypeError             MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope carries the fields shared by every variant; it is decoded first to
// pick the concrete shape.
type Envelope struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
}

type Start struct {
	Type             MessageType `json:"type"`
	TraceID          string      `json:"traceId,omitempty"`
	CallSid          string      `json:"callSid,omitempty"`
	StreamSid        string      `json:"streamSid,omitempty"`
	StartedAt        int64       `json:"startedAt,omitempty"`
	OutputSampleRate int         `json:"outputSampleRate,omitempty"`
}

type AudioChunk struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	// Audio is base64 PCM16LE mono at the negotiated input rate.
	Audio string `json:"audio"`
}

type Commit struct {
	Type         MessageType `json:"type"`
	TraceID      string      `json:"traceId,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

type Text struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	Text    string      `json:"text"`
}

type End struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
}

type Ready struct {
	Type             MessageType `json:"type"`
	TraceID          string      `json:"traceId,omitempty"`
	InputSampleRate  int         `json:"inputSampleRate"`
	OutputSampleRate int         `json:"outputSampleRate"`
}

type Transcript struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	Text    string      `json:"text"`
}

type TextDelta struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	Text    string      `json:"text"`
}

type TextCompleted struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	Text    string      `json:"text"`
}

type AudioDelta struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	// Audio is base64 PCM16LE mono at the negotiated output rate.
	Audio string `json:"audio"`
}

type ResponseCompleted struct {
	Type       MessageType `json:"type"`
	TraceID    string      `json:"traceId,omitempty"`
	ResponseID string      `json:"responseId"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	TraceID string      `json:"traceId,omitempty"`
	Error   string      `json:"error"`
}

// ValidSampleRate reports whether rate is one of the supported PCM rates.
func ValidSampleRate(rate int) bool {
	switch rate {
	case 8000, 16000, 24000:
		return true
	}
	return false
}

// ParseClientMessage decodes a client -> server frame, validating required
// fields per variant. An unknown tag returns ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.OutputSampleRate != 0 && !ValidSampleRate(msg.OutputSampleRate) {
			return nil, fmt.Errorf("invalid start: outputSampleRate %d", msg.OutputSampleRate)
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio_chunk: empty audio")
		}
		return msg, nil
	case TypeCommit:
		var msg Commit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid text: empty text")
		}
		return msg, nil
	case TypeEnd:
		var msg End
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a server -> client frame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeReady:
		var msg Ready
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextDelta:
		var msg TextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextCompleted:
		var msg TextCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio_delta: empty audio")
		}
		return msg, nil
	case TypeResponseCompleted:
		var msg ResponseCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire tag of a decoded message.
func TypeOf(msg any) (MessageType, bool) {
	switch msg.(type) {
	case Start:
		return TypeStart, true
	case AudioChunk:
		return TypeAudioChunk, true
	case Commit:
		return TypeCommit, true
	case Text:
		return TypeText, true
	case End:
		return TypeEnd, true
	case Ready:
		return TypeReady, true
	case Transcript:
		return TypeTranscript, true
	case TextDelta:
		return TypeTextDelta, true
	case TextCompleted:
		return TypeTextCompleted, true
	case AudioDelta:
		return TypeAudioDelta, true
	case ResponseCompleted:
		return TypeResponseCompleted, true
	case ErrorEvent:
		return TypeError, true
	}
	return "", false
}

// SniffType extracts just the wire tag and optional trace id without decoding
// the full variant. Used where frames are forwarded byte-identical.
func SniffType(raw []byte) (MessageType, string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", fmt.Errorf("invalid envelope: %w", err)
	}
	return env.Type, env.TraceID, nil
}

// Marshal encodes any protocol message; it exists so call sites do not
// import encoding/json just for the happy path.
func Marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// All protocol structs are plain data; marshal cannot fail.
		panic(fmt.Sprintf("protocol marshal: %v", err))
	}
	return raw
}
