// Package server defines the relay wire protocol: one JSON object per
// WebSocket message, discriminated by its "type" field.
package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// FrameType discriminates protocol frames.
type FrameType string

const (
	TypePresence FrameType = "presence"
	TypePing     FrameType = "ping"
	TypePong     FrameType = "pong"
	TypeChat     FrameType = "chat"
	TypeFile     FrameType = "file"
	TypeDelivery FrameType = "delivery"
)

// DeliveryStatus reports the outcome of a relay attempt to the sender.
type DeliveryStatus string

const (
	StatusSent     DeliveryStatus = "sent"
	StatusOffline  DeliveryStatus = "offline"
	StatusTooLarge DeliveryStatus = "too_large"
)

const (
	defaultFileName = "file"
	defaultFileMime = "application/octet-stream"
)

var (
	errMalformedFrame = errors.New("malformed frame")
	errUnknownFrame   = errors.New("unknown frame type")
	errIncomplete     = errors.New("frame missing required fields")

	frameValidator = validator.New()
)

// inbound is a client-to-server frame. Only the variants below exist.
type inbound interface {
	frameType() FrameType
}

type pingFrame struct{}

type chatFrame struct {
	To   string `json:"to" validate:"required"`
	Text string `json:"text" validate:"required"`
}

type fileFrame struct {
	To      string `json:"to" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Mime    string `json:"mime" validate:"required"`
	Size    int64  `json:"size"`
	DataB64 string `json:"dataB64" validate:"required"`
}

func (pingFrame) frameType() FrameType { return TypePing }
func (chatFrame) frameType() FrameType { return TypeChat }
func (fileFrame) frameType() FrameType { return TypeFile }

// decodeFrame parses a raw client message into its variant. Any error means
// the frame is to be dropped; it never affects the connection.
func decodeFrame(raw []byte) (inbound, error) {
	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	switch envelope.Type {
	case TypePing:
		return pingFrame{}, nil

	case TypeChat:
		var f chatFrame
		if err := decodeVariant(raw, &f); err != nil {
			return nil, err
		}
		return f, nil

	case TypeFile:
		var f fileFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		if f.Name == "" {
			f.Name = defaultFileName
		}
		if f.Mime == "" {
			f.Mime = defaultFileMime
		}
		if err := frameValidator.Struct(f); err != nil {
			return nil, fmt.Errorf("%w: %v", errIncomplete, err)
		}
		return f, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, envelope.Type)
	}
}

func decodeVariant(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if err := frameValidator.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errIncomplete, err)
	}
	return nil
}

// Server-to-client frames.

type presenceFrame struct {
	Type   FrameType `json:"type"`
	Self   string    `json:"self"`
	Online bool      `json:"online"`
}

type pongFrame struct {
	Type FrameType `json:"type"`
	T    int64     `json:"t"`
}

type chatMessage struct {
	Type FrameType `json:"type"`
	From string    `json:"from"`
	Text string    `json:"text"`
	TS   int64     `json:"ts"`
}

type fileMessage struct {
	Type    FrameType `json:"type"`
	From    string    `json:"from"`
	Name    string    `json:"name"`
	Mime    string    `json:"mime"`
	Size    int64     `json:"size"`
	DataB64 string    `json:"dataB64"`
	TS      int64     `json:"ts"`
}

type deliveryFrame struct {
	Type   FrameType      `json:"type"`
	To     string         `json:"to"`
	Status DeliveryStatus `json:"status"`
}

func newPresence(username string) presenceFrame {
	return presenceFrame{Type: TypePresence, Self: username, Online: true}
}

func newDelivery(to string, status DeliveryStatus) deliveryFrame {
	return deliveryFrame{Type: TypeDelivery, To: to, Status: status}
}
