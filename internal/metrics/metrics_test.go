package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Frame()
	m.Fault(FaultTruncated)
	m.Stored(nil)
	m.Stored(errors.New("disk full"))
	m.Dropped("ws")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaultsTotal.WithLabelValues(FaultTruncated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoredTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sensorlink_frames_total 1"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.Frame()
		m.Fault(FaultIO)
		m.Depth(3)
		m.Dropped("ws")
		m.Stored(nil)
		m.SessionClosed()
	})
}
