package chatsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.incInbound()
		m.incDuplicate()
		m.incSend("ok")
		m.incReconcileMiss()
		m.incReconnect()
		m.incExhausted()
		m.incPoll("ok")
		m.setUnread(3)
	})
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.incSend("ok")
	m.incSend("ok")
	m.incSend("failed")
	m.setUnread(4)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.sends.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sends.WithLabelValues("failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.unread))

	n, err := testutil.GatherAndCount(reg, "chatsync_sends_total", "chatsync_unread_messages")
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Panics(t, func() { NewMetrics(reg) }, "collectors register once per registry")
}
