package model

// DisconnectedPayload represents the notification sent before the server closes the stream.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"` // Optional: "SHUTDOWN", "EVICTED", "TIMEOUT"
}

// SendResultPayload is the sender-side acknowledgment of a completed send.
// It is distinct from the recipient-side ack.
type SendResultPayload struct {
	RequestID  string           `json:"request_id,omitempty"`
	RoomID     RoomID           `json:"room_id"`
	MessageID  uint64           `json:"message_id"`
	CreatedAt  int64            `json:"created_at"`
	Duplicate  bool             `json:"duplicate,omitempty"`
	Deliveries []DeliveryRecord `json:"deliveries"`
}

// DeliveryStatusPayload informs a sender about recipient-side progress.
type DeliveryStatusPayload struct {
	RoomID    RoomID          `json:"room_id"`
	MessageID uint64          `json:"message_id"`
	Recipient UserID          `json:"recipient_id"`
	State     DeliveryState   `json:"state"`
	Summary   DeliverySummary `json:"summary"`
}

// ErrorPayload carries a typed failure back to the client.
type ErrorPayload struct {
	RequestID string    `json:"request_id,omitempty"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
}
