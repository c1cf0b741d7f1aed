package lpmarshaller

import (
	"encoding/json"

	"github.com/webitel/im-fanout-service/internal/domain/event"
	wsmarshaller "github.com/webitel/im-fanout-service/internal/handler/marshaller/ws"
)

// Response defines the top-level JSON array to support event batching.
// Each entry has the same shape as a WebSocket frame.
type Response struct {
	Events []*wsmarshaller.WSEvent `json:"events"`
}

// MarshallEvents converts a slice of domain events into a single JSON batch.
// Events without a wire mapping are skipped.
func MarshallEvents(events []event.Eventer) ([]byte, error) {
	res := Response{
		Events: make([]*wsmarshaller.WSEvent, 0, len(events)),
	}
	for _, ev := range events {
		frame, err := wsmarshaller.Frame(ev)
		if err != nil {
			continue
		}
		res.Events = append(res.Events, frame)
	}
	return json.Marshal(res)
}
