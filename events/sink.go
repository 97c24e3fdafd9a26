package events

import (
	"context"
	"time"

	"github.com/warp/dues-engine/dues"
	"go.uber.org/zap"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Publish(_ context.Context, ev dues.Event) {
	if s.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event_type", string(ev.Type)),
		zap.String("due_id", string(ev.DueID)),
		zap.String("member_id", string(ev.MemberID)),
		zap.String("period", ev.Period),
		zap.String("amount", ev.Amount.String()),
	}
	if ev.Method != "" {
		fields = append(fields, zap.String("method", string(ev.Method)))
	}
	if ev.PaidAt != nil {
		fields = append(fields, zap.String("paid_at", ev.PaidAt.Format(time.DateOnly)))
	}
	s.Logger.Info("Dues event", fields...)
}

// Multi fans an event out to several sinks in order.
type Multi []dues.EventSink

func (m Multi) Publish(ctx context.Context, ev dues.Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}
