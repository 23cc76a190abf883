package store

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Stamp identifies one logical mutation: a version-1 UUID for global
// uniqueness plus a microsecond timestamp for last-writer-wins resolution.
type Stamp struct {
	UUID      uuid.UUID
	Timestamp uint64
}

// Clock hands out stamps whose timestamps are strictly increasing within the
// process, so two mutations never share a write timestamp.
type Clock struct {
	mu   sync.Mutex
	last uint64
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Next() (Stamp, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return Stamp{}, fmt.Errorf("generating time uuid: %w", err)
	}
	sec, nsec := u.Time().UnixTime()
	micros := uint64(sec)*1_000_000 + uint64(nsec)/1_000

	c.mu.Lock()
	if micros <= c.last {
		micros = c.last + 1
	}
	c.last = micros
	c.mu.Unlock()

	return Stamp{UUID: u, Timestamp: micros}, nil
}
