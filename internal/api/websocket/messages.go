package websocket

import (
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
)

type MessageType string

const (
	// Instrument data
	MessageTypeFrame       MessageType = "frame"
	MessageTypeStreamEnded MessageType = "stream_ended"

	// Instrument state
	MessageTypeCalibrationState MessageType = "calibration_state"
	MessageTypeSystemStatus     MessageType = "system_status"

	// Connection control
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`

	// source restricts delivery to clients subscribed to it.
	source stream.Source
}

// StreamEndedData reports the final state of a session.
type StreamEndedData struct {
	SessionID string        `json:"session_id"`
	Source    stream.Source `json:"source"`
	State     stream.State  `json:"state"`
	Frames    uint64        `json:"frames"`
	Error     string        `json:"error,omitempty"`
}

// ClientMessage is what clients send: auth first, then subscription changes.
type ClientMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Sources []stream.Source `json:"sources,omitempty"`
}

func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewFrameMessage(f stream.Frame) Message {
	m := NewMessage(MessageTypeFrame, f)
	m.source = f.Source
	return m
}

func NewStreamEndedMessage(info stream.Info) Message {
	m := NewMessage(MessageTypeStreamEnded, StreamEndedData{
		SessionID: info.ID.String(),
		Source:    info.Source,
		State:     info.State,
		Frames:    info.Frames,
		Error:     info.Error,
	})
	m.source = info.Source
	return m
}

func NewCalibrationStateMessage(s calibration.Status) Message {
	return NewMessage(MessageTypeCalibrationState, s)
}

func NewSystemStatusMessage(status any) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
