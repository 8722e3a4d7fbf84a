package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.RecordSend("queue", nil)
		c.RecordReconnect(errors.New("x"))
		c.ClientOnline(true)
		c.RecordTracker(OutcomeSuccess, time.Millisecond)
		c.RecordDispatch("high", "tracker")
		c.RecordDrop()
		c.RecordDecodeError()
		c.SetBindings(3)
		c.RecordAllocation("domain", true)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordSend("queue", nil)
	c.RecordSend("queue", errors.New("boom"))
	c.RecordTracker(OutcomeTimeout, 100*time.Millisecond)
	c.RecordAllocation("domain", false)
	c.SetBindings(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.clientSends.WithLabelValues("queue", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clientSends.WithLabelValues("queue", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trackerOutcomes.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.allocations.WithLabelValues("domain", "denied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.routerBindings))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.RecordDrop()

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.True(t, strings.Contains(rec.Body.String(), "tutornet_router_dropped_total 1"))
}
