package rest

import (
	"errors"
	"net/http"

	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// statusOf maps domain codes onto HTTP. Untyped errors count as storage
// failures, the same way they are reported over WebSocket.
func statusOf(err error) int {
	var e *model.Error
	if !errors.As(err, &e) {
		return http.StatusServiceUnavailable
	}
	switch e.Code {
	case model.CodeNotAMember:
		return http.StatusForbidden
	case model.CodeInvalidPayload:
		return http.StatusBadRequest
	case model.CodeRoomNotFound:
		return http.StatusNotFound
	case model.CodeStaleTransition:
		return http.StatusConflict
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	httpsrv.WriteJSON(w, statusOf(err), &model.ErrorPayload{
		RequestID: requestID,
		Code:      model.CodeOf(err),
		Message:   err.Error(),
	})
}

func invalid(op, msg string) error {
	return model.NewError(model.CodeInvalidPayload, op, errors.New(msg))
}
