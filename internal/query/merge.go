package query

import (
	"bytes"
	"container/heap"
	"context"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
)

// candidate is one driving-scan hit. key is its composite key in the
// target's scope and doubles as the resume position.
type candidate struct {
	target   index.Target
	key      []byte
	ref      entity.Ref
	value    codec.Value
	distance float64
}

// source yields the candidates of one target in key order.
type source interface {
	next(ctx context.Context) (candidate, bool, error)
}

type scanSource struct {
	entries *index.Store
	scope   index.Scope
	target  index.Target
	rng     index.Range
	buf     []candidate
	done    bool
}

func (s *scanSource) next(ctx context.Context) (candidate, bool, error) {
	for len(s.buf) == 0 {
		if s.done {
			return candidate{}, false, nil
		}
		found, err := s.entries.ScanRange(ctx, s.scope, s.rng)
		if err != nil {
			return candidate{}, false, err
		}
		if len(found) < s.rng.Limit {
			s.done = true
		}
		for _, e := range found {
			key, err := e.Key()
			if err != nil {
				continue
			}
			s.buf = append(s.buf, candidate{
				target: s.target,
				key:    key,
				ref:    entity.Ref{ID: e.EntityID, Type: e.EntityType},
				value:  e.Value,
			})
			s.rng.Cursor = key
		}
	}
	c := s.buf[0]
	s.buf = s.buf[1:]
	return c, true, nil
}

type geoSource struct {
	geo    *geo.Index
	search geo.Search
	buf    []candidate
	done   bool
}

func (s *geoSource) next(ctx context.Context) (candidate, bool, error) {
	for len(s.buf) == 0 {
		if s.done {
			return candidate{}, false, nil
		}
		res, err := s.geo.ProximitySearch(ctx, s.search)
		if err != nil {
			return candidate{}, false, err
		}
		for _, h := range res.Hits {
			s.buf = append(s.buf, candidate{
				target:   s.search.Target,
				key:      geo.HitCursor(h),
				ref:      h.Ref,
				distance: h.Distance,
			})
		}
		s.search.Cursor = res.Cursor
		if res.Cursor == nil {
			s.done = true
		}
	}
	c := s.buf[0]
	s.buf = s.buf[1:]
	return c, true, nil
}

type head struct {
	c   candidate
	src int
}

// merger interleaves several sources in composite-key order, ties going
// to the earlier target.
type merger struct {
	sources  []source
	heads    []head
	reversed bool
	started  bool
}

func newMerger(sources []source, reversed bool) *merger {
	return &merger{sources: sources, reversed: reversed}
}

func (m *merger) Len() int { return len(m.heads) }

func (m *merger) Less(i, j int) bool {
	c := bytes.Compare(m.heads[i].c.key, m.heads[j].c.key)
	if m.reversed {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	return m.heads[i].src < m.heads[j].src
}

func (m *merger) Swap(i, j int) { m.heads[i], m.heads[j] = m.heads[j], m.heads[i] }

func (m *merger) Push(x any) { m.heads = append(m.heads, x.(head)) }

func (m *merger) Pop() any {
	old := m.heads
	n := len(old)
	item := old[n-1]
	m.heads = old[:n-1]
	return item
}

func (m *merger) fill(ctx context.Context, src int) error {
	c, ok, err := m.sources[src].next(ctx)
	if err != nil || !ok {
		return err
	}
	heap.Push(m, head{c: c, src: src})
	return nil
}

// take pops up to n candidates in merged order.
func (m *merger) take(ctx context.Context, n int) ([]candidate, error) {
	if !m.started {
		m.started = true
		for i := range m.sources {
			if err := m.fill(ctx, i); err != nil {
				return nil, err
			}
		}
	}
	var out []candidate
	for len(out) < n && m.Len() > 0 {
		h := heap.Pop(m).(head)
		out = append(out, h.c)
		if err := m.fill(ctx, h.src); err != nil {
			return nil, err
		}
	}
	return out, nil
}
