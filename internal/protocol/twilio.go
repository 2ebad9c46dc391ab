package protocol

import (
	"encoding/json"
	"fmt"
)

// Carrier media-stream event names.
const (
	CarrierEventConnected = "connected"
	CarrierEventStart     = "start"
	CarrierEventMedia     = "media"
	CarrierEventDTMF      = "dtmf"
	CarrierEventMark      = "mark"
	CarrierEventStop      = "stop"
)

// CarrierMessage is one inbound frame on a carrier media-stream websocket.
// Exactly one of the pointer fields is set, matching Event.
type CarrierMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *CarrierStart `json:"start,omitempty"`
	Media          *CarrierMedia `json:"media,omitempty"`
	DTMF           *CarrierDTMF  `json:"dtmf,omitempty"`
	Mark           *CarrierMark  `json:"mark,omitempty"`
	Stop           *CarrierStop  `json:"stop,omitempty"`
}

type CarrierStart struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      CarrierFormat     `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type CarrierFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type CarrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	// Payload is base64 mu-law at 8 kHz.
	Payload string `json:"payload"`
}

type CarrierDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type CarrierMark struct {
	Name string `json:"name"`
}

type CarrierStop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// ParseCarrierMessage decodes a carrier frame and checks that the body
// matching the event name is present where one is required.
func ParseCarrierMessage(raw []byte) (CarrierMessage, error) {
	var msg CarrierMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return CarrierMessage{}, fmt.Errorf("invalid carrier frame: %w", err)
	}
	switch msg.Event {
	case CarrierEventStart:
		if msg.Start == nil || msg.Start.CallSid == "" {
			return CarrierMessage{}, fmt.Errorf("carrier start missing callSid")
		}
	case CarrierEventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return CarrierMessage{}, fmt.Errorf("carrier media missing payload")
		}
	case CarrierEventDTMF:
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return CarrierMessage{}, fmt.Errorf("carrier dtmf missing digit")
		}
	case CarrierEventConnected, CarrierEventMark, CarrierEventStop:
	case "":
		return CarrierMessage{}, fmt.Errorf("carrier frame missing event")
	}
	return msg, nil
}

// CarrierOutMedia is the only frame the bridge sends back on the media
// stream: streamSid plus the mu-law payload, nothing else.
type CarrierOutMedia struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid"`
	Media     CarrierOutPayload `json:"media"`
}

type CarrierOutPayload struct {
	Payload string `json:"payload"`
}

// NewCarrierOutMedia builds an outbound media frame for streamSid.
func NewCarrierOutMedia(streamSid, payload string) CarrierOutMedia {
	return CarrierOutMedia{
		Event:     CarrierEventMedia,
		StreamSid: streamSid,
		Media:     CarrierOutPayload{Payload: payload},
	}
}

// TwiMLConnectStream renders the voice webhook response that tells the
// carrier to open a bidirectional media stream to wsURL.
func TwiMLConnectStream(wsURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>
`, wsURL)
}
