package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ChangeCommitted("create_file")
	m.ChangeCommitted("create_file")
	m.ChangeCommitted("delete")
	m.ContentStored(10)
	m.ContentDeduplicated()
	m.Committed(time.Now())
	m.RevertConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.changes.WithLabelValues("create_file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.changes.WithLabelValues("delete")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.contentBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contentDedup))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revertConflicts))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChangeCommitted("x")
		m.ContentStored(1)
		m.ContentDeduplicated()
		m.ContentFreed(1)
		m.Committed(time.Now())
		m.RevertConflict()
		m.Refreshed("x")
	})
}
