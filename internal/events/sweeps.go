package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/sweep"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/kafka"
	"github.com/google/uuid"
)

// Sweeper runs one sweep.
type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (sweep.Report, error)
}

// EventWriter is the part of kafka.Producer needed to request sweeps.
type EventWriter interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// RequestSweep publishes a sweep request and returns its id.
func RequestSweep(ctx context.Context, w EventWriter, reason string) (string, error) {
	req := SweepRequest{
		Type:        EventSweepRequest,
		RequestID:   uuid.NewString(),
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}
	if err := w.Publish(ctx, kafka.Event{Key: req.RequestID, Type: string(req.Type), Value: req}); err != nil {
		return "", fmt.Errorf("requesting sweep: %w", err)
	}
	return req.RequestID, nil
}

// SweepHandler returns a kafka.MessageHandler that runs a sweep for every
// request it reads. Malformed messages are logged and committed.
func SweepHandler(s Sweeper) kafka.MessageHandler {
	logger := slog.Default().With("component", "sweep-consumer")
	return func(ctx context.Context, _ []byte, value []byte) error {
		req, err := kafka.DecodeJSON[SweepRequest](value)
		if err != nil {
			logger.Warn("discarding malformed sweep request", "error", err)
			return nil
		}
		if req.Type != EventSweepRequest {
			logger.Warn("discarding unexpected event", "type", req.Type)
			return nil
		}
		rep, err := s.Sweep(ctx, sweep.TriggerRequest)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", req.RequestID, err)
		}
		logger.Info("sweep request served",
			"request_id", req.RequestID,
			"reason", req.Reason,
			"deleted", rep.Deleted,
		)
		return nil
	}
}
