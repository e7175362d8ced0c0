package client

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatcore/pkg/handshake"
)

func TestMetricsFollowSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv := newFakeServer(t)
	log, _ := logtest.NewNullLogger()
	c := New(testConfig(), Options{Dialer: srv, Logger: log, Metrics: metrics})
	t.Cleanup(c.Close)

	connectOnline(t, c)
	assert.Equal(t, float64(handshake.Authenticated), testutil.ToFloat64(metrics.handshakeState))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stanzasReceived.WithLabelValues("success")))

	_, err := c.SendText(testRoom, "counted", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.stanzasSent.WithLabelValues("message")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.QueueLen())
	assert.Zero(t, testutil.ToFloat64(metrics.queueDepth))

	_, err = c.SendGetHistory(testRoom, 5, "", "get-history:m1")
	require.NoError(t, err)
	_, err = c.SendGetHistory(testRoom, 5, "", "get-history:m1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.historyRequests.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.historyRequests.WithLabelValues("duplicate")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.inFlight))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	// two private registries must not collide
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.RecordPingTimeout()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.pingTimeouts))
	assert.Zero(t, testutil.ToFloat64(b.pingTimeouts))
}
