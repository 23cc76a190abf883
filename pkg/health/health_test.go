package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		status int
		want   Status
	}{
		{"all up", map[string]Check{"store": PingCheck(pinger{}, false)}, http.StatusOK, StatusUp},
		{
			"optional down",
			map[string]Check{
				"store": PingCheck(pinger{}, false),
				"redis": PingCheck(pinger{errors.New("refused")}, true),
			},
			http.StatusOK, StatusDegraded,
		},
		{
			"required down",
			map[string]Check{
				"store": PingCheck(pinger{errors.New("closed")}, false),
				"redis": PingCheck(pinger{errors.New("refused")}, true),
			},
			http.StatusServiceUnavailable, StatusDown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			rec := httptest.NewRecorder()
			c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.status, rec.Code)

			var report Report
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

type countingPinger struct{ calls int }

func (p *countingPinger) Ping(context.Context) error {
	p.calls++
	return nil
}

func TestRunReusesRecentReport(t *testing.T) {
	p := &countingPinger{}
	c := NewChecker()
	c.Register("store", PingCheck(p, false))

	first := c.Run(context.Background())
	second := c.Run(context.Background())
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, first.CheckedAt, second.CheckedAt)

	c.Register("redis", PingCheck(pinger{errors.New("refused")}, true))
	third := c.Run(context.Background())
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, StatusDegraded, third.Status)
	assert.Equal(t, StatusUp, third.Components["store"].Status)
}
