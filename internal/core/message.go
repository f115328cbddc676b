package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mosaic/internal/domain"
)

type MessageType string

const (
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
	MessageLeave     MessageType = "leave"
	MessageReady     MessageType = "ready"
	MessageHeartbeat MessageType = "heartbeat"
)

var ErrBadMessage = errors.New("bad signaling message")

// SignalingMessage is the wire shape shared by every transport channel.
// Timestamp is unix milliseconds; receivers drop anything older than the
// configured staleness window.
type SignalingMessage struct {
	Type      MessageType          `json:"type"`
	Sender    domain.ParticipantID `json:"sender"`
	Receiver  domain.ParticipantID `json:"receiver,omitempty"`
	SessionID domain.SessionID     `json:"sessionId"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

func NewMessage(
	t MessageType,
	sender, receiver domain.ParticipantID,
	session domain.SessionID,
	payload any,
) (SignalingMessage, error) {
	msg := SignalingMessage{
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		SessionID: session,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalingMessage{}, fmt.Errorf("marshal payload: %w", err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

func (m SignalingMessage) Validate() error {
	if m.Type == "" || m.Sender == "" || m.SessionID == "" {
		return ErrBadMessage
	}
	return nil
}

// Stale reports whether the message is older than the staleness window.
func (m SignalingMessage) Stale(now time.Time, window time.Duration) bool {
	return now.UnixMilli()-m.Timestamp > window.Milliseconds()
}

// AddressedTo reports whether self should process this message. Messages
// without a receiver are session broadcasts.
func (m SignalingMessage) AddressedTo(self domain.ParticipantID) bool {
	return m.Receiver == "" || m.Receiver == self
}

func (m SignalingMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return ErrBadMessage
	}
	return json.Unmarshal(m.Payload, v)
}

// DescriptionPayload carries an SDP for offer and answer messages.
type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

// ReadyPayload announces a participant wanting to connect.
type ReadyPayload struct {
	DisplayName string `json:"displayName,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
}
