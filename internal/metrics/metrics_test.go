package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zpool/internal/spa"
	"github.com/deploymenttheory/go-zpool/internal/vdevcache"
	"github.com/deploymenttheory/go-zpool/internal/vdevqueue"
)

type fakeSource struct{ st spa.Status }

func (f fakeSource) Status() spa.Status { return f.st }

func sampleStatus() spa.Status {
	return spa.Status{
		Name:         "tank",
		SyncedTxg:    9,
		Space:        1 << 30,
		Allocated:    1 << 20,
		AdjustedSize: 1<<30 - 16<<20,
		Vdevs: []spa.VdevStatus{
			{Depth: 0, Name: "root", Kind: "root"},
			{
				Depth:    1,
				Name:     "/dev/a",
				Kind:     "file",
				Leaf:     true,
				ReadOps:  3,
				WriteOps: 5,
				Queue:    &vdevqueue.Stats{Pending: 2, MaxPending: 8},
				Cache:    &vdevcache.Stats{Bytes: 65536, Hits: 4, Misses: 1},
			},
		},
	}
}

func TestCollectorMetrics(t *testing.T) {
	c := NewCollector(fakeSource{st: sampleStatus()})

	// 4 pool gauges, 2 queue gauges, 4 cache series, 2 op and 3 error series.
	assert.Equal(t, 15, testutil.CollectAndCount(c))

	expected := `
# HELP zpool_synced_txg Last synced transaction group.
# TYPE zpool_synced_txg gauge
zpool_synced_txg{pool="tank"} 9
# HELP zpool_vdev_ops_total Completed leaf I/Os.
# TYPE zpool_vdev_ops_total counter
zpool_vdev_ops_total{pool="tank",type="read",vdev="/dev/a"} 3
zpool_vdev_ops_total{pool="tank",type="write",vdev="/dev/a"} 5
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"zpool_synced_txg", "zpool_vdev_ops_total"))
}

func TestCollectorSkipsInteriorVdevs(t *testing.T) {
	st := sampleStatus()
	st.Vdevs = st.Vdevs[:1]
	assert.Equal(t, 4, testutil.CollectAndCount(NewCollector(fakeSource{st: st})))
}

func TestHandlerServesMetrics(t *testing.T) {
	h, err := Handler(fakeSource{st: sampleStatus()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `zpool_vdev_cache_hits_total{pool="tank",vdev="/dev/a"} 4`)
}
