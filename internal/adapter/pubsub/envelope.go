package pubsub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

const (
	FamilyRoom     = "room"
	FamilyReceipt  = "receipt"
	FamilyPresence = "presence"

	// Subscription patterns used by the fan-out consumer.
	PatternRooms    = FamilyRoom + ".#"
	PatternReceipts = FamilyReceipt + ".#"
	PatternPresence = FamilyPresence + ".#"
)

func RoomTopic(roomID model.RoomID) string { return FamilyRoom + "." + roomID.String() }

func ReceiptTopic(roomID model.RoomID) string { return FamilyReceipt + "." + roomID.String() }

// PresenceTopic flattens dots so an identity always stays one topic segment.
// The envelope carries the exact identity.
func PresenceTopic(userID model.UserID) string {
	return FamilyPresence + "." + strings.ReplaceAll(userID.String(), ".", "_")
}

// MessageEnvelope is published on room.<roomID>.
type MessageEnvelope struct {
	Message    model.Message  `json:"message"`
	Recipients []model.UserID `json:"recipients"`
	Attempt    int            `json:"attempt"`
	Origin     string         `json:"origin"` // instance that owns the delivery records
}

// Receipt is published on receipt.<roomID> when a recipient's connection
// got the message (delivered) or the client confirmed it (acknowledged).
type Receipt struct {
	Ref       model.MessageRef    `json:"ref"`
	Recipient model.UserID        `json:"recipient_id"`
	State     model.DeliveryState `json:"state"`
	Origin    string              `json:"origin"`
	Instance  string              `json:"instance"` // instance that observed the transition
}

func decode[T any](kind string, payload []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	return v, nil
}

func DecodeMessage(payload []byte) (*MessageEnvelope, error) {
	env, err := decode[MessageEnvelope]("message", payload)
	if err != nil {
		return nil, err
	}
	if env.Message.RoomID == "" || env.Message.ID == 0 {
		return nil, fmt.Errorf("decode message envelope: missing message reference")
	}
	return env, nil
}

func DecodeReceipt(payload []byte) (*Receipt, error) {
	r, err := decode[Receipt]("receipt", payload)
	if err != nil {
		return nil, err
	}
	if r.Ref.RoomID == "" || r.Recipient == "" {
		return nil, fmt.Errorf("decode receipt envelope: missing reference")
	}
	return r, nil
}

func DecodePresence(payload []byte) (*model.Presence, error) {
	p, err := decode[model.Presence]("presence", payload)
	if err != nil {
		return nil, err
	}
	if p.UserID == "" || p.InstanceID == "" {
		return nil, fmt.Errorf("decode presence envelope: missing identity")
	}
	return p, nil
}
