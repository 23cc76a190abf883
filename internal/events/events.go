// Package events publishes applied index updates to Kafka and turns sweep
// requests read from Kafka into sweeps.
package events

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
)

type EventType string

const (
	EventIndexUpdate  EventType = "index_update"
	EventSweepRequest EventType = "sweep_request"
)

// IndexUpdateEvent describes one applied batch.
type IndexUpdateEvent struct {
	Type       EventType `json:"type"`
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	Property   string    `json:"property"`
	Targets    []string  `json:"targets"`
	Written    int       `json:"written"`
	Superseded int       `json:"superseded"`
	Locations  int       `json:"locations,omitempty"`
	Failed     []string  `json:"failed,omitempty"`
	Outcome    string    `json:"outcome"`
	StampID    string    `json:"stamp_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// SweepRequest asks the index daemon to run a sweep.
type SweepRequest struct {
	Type        EventType `json:"type"`
	RequestID   string    `json:"request_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewIndexUpdateEvent summarises b.
func NewIndexUpdateEvent(b *update.Batch) IndexUpdateEvent {
	ev := IndexUpdateEvent{
		Type:       EventIndexUpdate,
		EntityID:   b.Entity.ID.String(),
		EntityType: b.Entity.Type,
		Property:   b.Property,
		Written:    len(b.Writes),
		Superseded: len(b.Previous),
		Locations:  len(b.Locations),
		Outcome:    "applied",
		StampID:    b.Stamp.UUID.String(),
		Timestamp:  time.UnixMicro(int64(b.Stamp.Timestamp)).UTC(),
	}
	for _, t := range b.Targets {
		ev.Targets = append(ev.Targets, t.String())
	}
	for _, s := range b.Failed {
		ev.Failed = append(ev.Failed, s.String())
	}
	if len(ev.Failed) > 0 {
		ev.Outcome = "partial"
	}
	return ev
}
