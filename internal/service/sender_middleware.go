package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-fanout-service/infra/metrics"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

// SenderMiddleware implements [DECORATOR_PATTERN] to add observability
// to the send path without touching routing logic.
type SenderMiddleware struct {
	Next    Sender
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewSenderMiddleware(next Sender, logger *slog.Logger, m *metrics.Metrics) Sender {
	return &SenderMiddleware{Next: next, Logger: logger, Metrics: m}
}

// Send wraps the routing pipeline with timing and outcome accounting.
func (m *SenderMiddleware) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	start := time.Now()

	res, err := m.Next.Send(ctx, req)

	code := "ok"
	if err != nil {
		code = string(model.CodeOf(err))
	}
	duration := time.Since(start)
	m.Metrics.SendTotal.WithLabelValues(code).Inc()
	m.Metrics.SendDuration.WithLabelValues(code).Observe(duration.Seconds())

	if err == nil {
		m.Logger.Debug("SEND_COMPLETED",
			slog.String("ref", res.Message.Ref().String()),
			slog.Int("recipients", len(res.Deliveries)),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}
	return res, err
}

func (m *SenderMiddleware) History(ctx context.Context, userID model.UserID, roomID model.RoomID, beforeID uint64, limit int) ([]model.Message, error) {
	start := time.Now()

	msgs, err := m.Next.History(ctx, userID, roomID, beforeID, limit)
	if err != nil {
		m.Logger.Warn("HISTORY_LOAD_FAILED",
			slog.String("user_id", userID.String()),
			slog.String("room_id", roomID.String()),
			slog.Any("err", err),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return msgs, err
}

func (m *SenderMiddleware) Deliveries(ctx context.Context, userID model.UserID, ref model.MessageRef) ([]model.DeliveryRecord, error) {
	return m.Next.Deliveries(ctx, userID, ref)
}
