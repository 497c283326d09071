package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value sums every sample of the named family
func value(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, s := range mf.GetMetric() {
			switch {
			case s.GetCounter() != nil:
				sum += s.GetCounter().GetValue()
			case s.GetGauge() != nil:
				sum += s.GetGauge().GetValue()
			}
		}
		return sum
	}
	return 0
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFetch(10)
		m.CursorOpened()
		m.RecordReorganize(PathFast, StatusSuccess, 0.1, 5)
		m.UpdateSystemStats(50, 1, 2, 3)
	})
}

func TestRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordFetch(3)
	m.RecordFetch(4)
	assert.Equal(t, 7.0, value(t, m, "tablestore_cursor_rows_fetched_total"))

	m.CursorOpened()
	m.CursorOpened()
	m.CursorClosed()
	assert.Equal(t, 1.0, value(t, m, "tablestore_cursor_open"))

	m.RecordReorganize(PathSlow, StatusFailure, 1.5, 0)
	m.RecordReorganize(PathSlow, StatusSuccess, 0.5, 100)
	assert.Equal(t, 2.0, value(t, m, "tablestore_group_reorganize_jobs_total"))
	assert.Equal(t, 100.0, value(t, m, "tablestore_group_reorganize_rows_total"))

	m.RecordMutation(10, 2, 1)
	assert.Equal(t, 10.0, value(t, m, "tablestore_partition_rows_appended_total"))
	assert.Equal(t, 1.0, value(t, m, "tablestore_partition_rows_deleted_total"))
}

func TestSeparateRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordBlockRead(100)
	assert.Equal(t, 1.0, value(t, a, "tablestore_blockfile_blocks_read_total"))
	assert.Equal(t, 0.0, value(t, b, "tablestore_blockfile_blocks_read_total"))
}
