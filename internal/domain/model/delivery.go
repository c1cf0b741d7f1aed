package model

import "time"

type DeliveryState int16

const (
	DeliveryPending DeliveryState = iota + 1
	DeliveryDelivered
	DeliveryAcknowledged
	DeliveryExpired
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryAcknowledged:
		return "acknowledged"
	case DeliveryExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no transition may leave the state.
func (s DeliveryState) IsTerminal() bool {
	return s == DeliveryAcknowledged || s == DeliveryExpired
}

// MarshalText keeps the wire format readable for HTTP and bus consumers.
func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = DeliveryPending
	case "delivered":
		*s = DeliveryDelivered
	case "acknowledged":
		*s = DeliveryAcknowledged
	case "expired":
		*s = DeliveryExpired
	default:
		*s = 0
	}
	return nil
}

// DeliveryRecord tracks one (message, recipient) pair.
type DeliveryRecord struct {
	MessageRef
	Recipient UserID        `json:"recipient_id"`
	State     DeliveryState `json:"state"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DeliverySummary is the sender-facing aggregate of a message's records.
type DeliverySummary struct {
	Pending      int `json:"pending"`
	Delivered    int `json:"delivered"`
	Acknowledged int `json:"acknowledged"`
	Expired      int `json:"expired"`
}

// Summarize folds records into counts per state.
func Summarize(records []DeliveryRecord) DeliverySummary {
	var s DeliverySummary
	for _, r := range records {
		switch r.State {
		case DeliveryPending:
			s.Pending++
		case DeliveryDelivered:
			s.Delivered++
		case DeliveryAcknowledged:
			s.Acknowledged++
		case DeliveryExpired:
			s.Expired++
		}
	}
	return s
}

// Unconfirmed is true when at least one recipient will never confirm the message.
// An expired record is never reported as delivered.
func (s DeliverySummary) Unconfirmed() bool { return s.Expired > 0 }

// Complete is true when every recipient acknowledged.
func (s DeliverySummary) Complete() bool {
	return s.Pending == 0 && s.Delivered == 0 && s.Expired == 0
}
