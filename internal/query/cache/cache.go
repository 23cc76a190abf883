// Package cache keeps query result pages in Redis. Pages are keyed by the
// scanned collection or connection so an applied index update drops exactly
// the pages it may have changed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/resilience"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "query:"
	// multiScope holds pages of queries spanning several targets; any
	// update drops them.
	multiScope = "multi"
)

// Executor runs a query page. *query.Evaluator and *Cache both satisfy it.
type Executor interface {
	Execute(ctx context.Context, targets []index.Target, q *query.Query) (*query.Results, error)
}

type Cache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	next    Executor
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a cache in front of next. A nil client disables caching and
// every query goes straight to next.
func New(client *pkgredis.Client, ttl time.Duration, next Executor, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		next:   next,
		breaker: resilience.NewCircuitBreaker("redis-query-cache", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				if m != nil {
					m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				}
			},
		}),
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Execute implements Executor.
func (c *Cache) Execute(ctx context.Context, targets []index.Target, q *query.Query) (*query.Results, error) {
	res, _, err := c.GetOrCompute(ctx, targets, q, func(ctx context.Context) (*query.Results, error) {
		return c.next.Execute(ctx, targets, q)
	})
	return res, err
}

// GetOrCompute returns the cached page for q, computing and storing it on a
// miss. Concurrent misses for the same key share one computation. The bool
// reports a cache hit.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	targets []index.Target,
	q *query.Query,
	compute func(context.Context) (*query.Results, error),
) (*query.Results, bool, error) {
	start := time.Now()
	if c.client == nil {
		res, err := compute(ctx)
		c.observe("bypass", start)
		return res, false, err
	}
	key, err := Key(targets, q)
	if err != nil {
		return nil, false, err
	}
	if res, ok := c.get(ctx, key); ok {
		c.observe("hit", start)
		return res, true, nil
	}
	val, err, _ := c.group.Do(key, func() (any, error) {
		if res, ok := c.get(ctx, key); ok {
			return res, nil
		}
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, res)
		return res, nil
	})
	c.observe("miss", start)
	if err != nil {
		return nil, false, err
	}
	return val.(*query.Results), false, nil
}

func (c *Cache) get(ctx context.Context, key string) (*query.Results, bool) {
	var data []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil || data == nil {
		if err != nil {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.count(false)
		return nil, false
	}
	var res query.Results
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.count(false)
		return nil, false
	}
	c.count(true)
	return &res, true
}

func (c *Cache) set(ctx context.Context, key string, res *query.Results) {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, c.ttl)
	}); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops every cached page of target, and every multi-target
// page.
func (c *Cache) Invalidate(ctx context.Context, target index.Target) error {
	if c.client == nil {
		return nil
	}
	var deleted int64
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		for _, prefix := range []string{scopePrefix(target), keyPrefix + multiScope + ":"} {
			n, err := c.client.DeletePrefix(ctx, prefix)
			deleted += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", target, err)
	}
	c.logger.Debug("cache invalidated", "target", target.String(), "keys_deleted", deleted)
	return nil
}

// BatchApplied implements update.Listener.
func (c *Cache) BatchApplied(ctx context.Context, b *update.Batch) {
	for _, t := range b.Targets {
		if err := c.Invalidate(ctx, t); err != nil {
			c.logger.Warn("cache invalidation failed", "target", t.String(), "error", err)
		}
	}
}

func (c *Cache) count(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.Inc()
	} else {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *Cache) observe(status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.QueryLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func scopePrefix(t index.Target) string {
	return keyPrefix + t.Owner.String() + ":" + t.Name + ":"
}

type keyFields struct {
	Targets  []string `json:"targets"`
	Text     string   `json:"text"`
	Type     string   `json:"type"`
	Limit    int      `json:"limit"`
	Cursor   string   `json:"cursor"`
	Reversed bool     `json:"reversed"`
	Level    int      `json:"level"`
}

// Key is query:<owner>:<name>:<sha256 of the query> for a single target
// and query:multi:<sha256> otherwise.
func Key(targets []index.Target, q *query.Query) (string, error) {
	kf := keyFields{
		Text:     q.Text,
		Type:     q.Type,
		Limit:    q.Limit,
		Cursor:   q.Cursor,
		Reversed: q.Reversed,
		Level:    int(q.Level),
	}
	for _, t := range targets {
		kf.Targets = append(kf.Targets, t.String())
	}
	raw, err := json.Marshal(kf)
	if err != nil {
		return "", fmt.Errorf("building cache key: %w", err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	if len(targets) == 1 {
		return scopePrefix(targets[0]) + digest, nil
	}
	return keyPrefix + multiScope + ":" + digest, nil
}
