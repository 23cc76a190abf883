package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
)

// cursorState is the opaque paging token: the driving scan it belongs to
// and, per target, the composite key of the last entry consumed.
type cursorState struct {
	Scan      string            `json:"s"`
	Positions map[string][]byte `json:"p"`
}

// signature identifies the driving scan of a plan. A cursor minted for a
// different scan is not reused.
func (pl *Plan) signature() string {
	if pl.Within != nil {
		return fmt.Sprintf("geo:%s:%g:%g:%g", pl.Within.Field, pl.Within.Radius, pl.Within.Center.Lat, pl.Within.Center.Lon)
	}
	return "scan:" + pl.Property
}

func encodeCursor(pl *Plan, positions map[index.Target][]byte) (string, error) {
	st := cursorState{Scan: pl.signature(), Positions: make(map[string][]byte, len(positions))}
	for t, key := range positions {
		st.Positions[t.String()] = key
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeCursor returns the start position of every target. An empty
// cursor starts every target at the beginning.
func decodeCursor(s string, pl *Plan, targets []index.Target) (map[index.Target][]byte, error) {
	positions := make(map[index.Target][]byte, len(targets))
	if s == "" {
		return positions, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return positions, fmt.Errorf("cursor is not base64: %w", err)
	}
	var st cursorState
	if err := json.Unmarshal(raw, &st); err != nil {
		return positions, fmt.Errorf("cursor is not a paging token: %w", err)
	}
	if st.Scan != pl.signature() {
		return positions, fmt.Errorf("cursor belongs to %q, not %q", st.Scan, pl.signature())
	}
	for _, t := range targets {
		if key, ok := st.Positions[t.String()]; ok {
			positions[t] = key
		}
	}
	return positions, nil
}
