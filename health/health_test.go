package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		status  Status
		want    string
		healthy bool
	}{
		{NewHealthy("a", "ok"), StatusHealthy, true},
		{NewDegraded("a", "slow"), StatusDegraded, false},
		{NewUnhealthy("a", "down"), StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Status)
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.want == StatusHealthy, tt.status.IsHealthy())
			assert.Equal(t, tt.want == StatusDegraded, tt.status.IsDegraded())
			assert.Equal(t, tt.want == StatusUnhealthy, tt.status.IsUnhealthy())
			assert.False(t, tt.status.Timestamp.IsZero())
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	base := NewHealthy("sys", "").WithSubStatus(NewHealthy("a", ""))
	one := base.WithSubStatus(NewHealthy("b", ""))
	two := base.WithSubStatus(NewHealthy("c", ""))

	assert.Len(t, base.SubStatuses, 1)
	assert.Equal(t, "b", one.SubStatuses[1].Component)
	assert.Equal(t, "c", two.SubStatuses[1].Component)
}

func TestFromError(t *testing.T) {
	ok := FromError("nats", nil, "connected")
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, "connected", ok.Message)

	bad := FromError("nats", errors.New("dial tcp 10.1.2.3:4222: connection refused"), "")
	assert.True(t, bad.IsUnhealthy())
	assert.NotContains(t, bad.Message, "10.1.2.3")
	assert.NotContains(t, bad.Message, "4222")
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		in      string
		hidden  string
		present string
	}{
		{"get http://ads.internal:8080/v1 failed", "ads.internal", "[URL]"},
		{"nats://user:pw@nats:4222 unreachable", "user:pw", "[URL]"},
		{"open /etc/adfront/plugins.yaml: denied", "/etc/adfront", "[PATH]"},
		{"dial 192.168.1.10 refused", "192.168.1.10", "[IP]"},
		{"auth failed password=hunter2", "hunter2", "[REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.present, func(t *testing.T) {
			got := sanitizeErrorMessage(tt.in)
			assert.NotContains(t, got, tt.hidden)
			assert.Contains(t, got, tt.present)
		})
	}
	assert.Empty(t, sanitizeErrorMessage(""))
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("plugins", "3 loaded")
	m.Update("nats", Status{Status: StatusDegraded, Message: "reconnecting"})

	got, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	agg := m.AggregateHealth("adfront")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component)
	assert.Equal(t, "plugins", agg.SubStatuses[1].Component)
	require.NotNil(t, agg.Metrics)

	m.UpdateUnhealthy("nats", "down")
	assert.True(t, m.AggregateHealth("adfront").IsUnhealthy())

	m.Remove("nats")
	_, ok = m.Get("nats")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("adfront").IsHealthy())
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateDegraded("x", "busy")
			m.UpdateHealthy("x", "fine")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("sys")
		}()
	}
	wg.Wait()

	_, ok := m.Get("x")
	assert.True(t, ok)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("plugins", "ok")
	h := m.Handler("adfront")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "adfront", body.Component)
	assert.True(t, body.Healthy)

	m.UpdateUnhealthy("nats", "down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
