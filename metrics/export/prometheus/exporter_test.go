package prometheus

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authmesh"
)

type fakeSource struct {
	snapshot authmesh.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() authmesh.MetricsSnapshot { return f.snapshot }
func (f fakeSource) EventsDropped() uint64                     { return f.dropped }

func emptySnapshot() authmesh.MetricsSnapshot {
	return authmesh.MetricsSnapshot{
		Counters:   map[authmesh.MetricID]uint64{},
		Histograms: map[authmesh.MetricID][]uint64{},
	}
}

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{snapshot: emptySnapshot()})
	assert.Empty(t, exp.Render())
}

func TestRenderReportsDropsEvenWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{snapshot: emptySnapshot(), dropped: 3})
	assert.Contains(t, exp.Render(), "authmesh_events_dropped_total 3")
}

func TestRenderIncludesCountersAndHistograms(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authmesh.MetricsSnapshot{
			Counters: map[authmesh.MetricID]uint64{
				authmesh.MetricValidateAccepted: 7,
				authmesh.MetricWSRejected:       2,
			},
			Histograms: map[authmesh.MetricID][]uint64{
				authmesh.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	assert.Contains(t, out, "# TYPE authmesh_validate_accepted_total counter\n")
	assert.Contains(t, out, "authmesh_validate_accepted_total 7\n")
	assert.Contains(t, out, "authmesh_ws_rejected_total 2\n")
	assert.Contains(t, out, "authmesh_session_created_total 0\n")
	assert.Contains(t, out, `authmesh_validate_latency_seconds_bucket{le="0.005"} 1`)
	assert.Contains(t, out, `authmesh_validate_latency_seconds_bucket{le="+Inf"} 36`)
	assert.Contains(t, out, "authmesh_validate_latency_seconds_count 36\n")
	assert.Contains(t, out, `authmesh_ws_handshake_latency_seconds_bucket{le="+Inf"} 0`)
	assert.Contains(t, out, "authmesh_events_dropped_total 2\n")
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteToReportsWriterError(t *testing.T) {
	snap := emptySnapshot()
	snap.Counters[authmesh.MetricValidateAccepted] = 1
	exp := NewPrometheusExporterFromSource(fakeSource{snapshot: snap})

	_, err := exp.WriteTo(brokenWriter{})
	assert.EqualError(t, err, "connection reset")

	var b strings.Builder
	n, err := exp.WriteTo(&b)
	require.NoError(t, err)
	assert.Equal(t, int64(b.Len()), n)
	assert.Contains(t, b.String(), "# HELP authmesh_validate_accepted_total ")
}

func TestRenderNilExporter(t *testing.T) {
	var exp *PrometheusExporter
	assert.Empty(t, exp.Render())
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	snap := emptySnapshot()
	snap.Counters[authmesh.MetricValidateAccepted] = 1
	exp := NewPrometheusExporterFromSource(fakeSource{snapshot: snap})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "authmesh_validate_accepted_total 1")
}

func TestExporterReadsLiveEngine(t *testing.T) {
	cfg := authmesh.DefaultConfig()
	cfg.Token.LegacySecret = "legacy-secret-0123456789abcdef0123"
	cfg.Token.EnhancedSecret = "enhanced-secret-0123456789abcdef01"
	e, err := authmesh.New().WithConfig(cfg).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	res := e.Validate(t.Context(), "not-a-token")
	require.False(t, res.Accepted())

	out := NewPrometheusExporter(e).Render()
	assert.Contains(t, out, "authmesh_validate_rejected_total 1")
	assert.Contains(t, out, "authmesh_token_invalid_total 1")
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: authmesh.MetricsSnapshot{
			Counters: map[authmesh.MetricID]uint64{
				authmesh.MetricValidateAccepted:   1000,
				authmesh.MetricValidateRejected:   40,
				authmesh.MetricSessionRefreshed:   800,
				authmesh.MetricSessionCreated:     800,
				authmesh.MetricSessionInvalidated: 20,
				authmesh.MetricWSAccepted:         3,
			},
			Histograms: map[authmesh.MetricID][]uint64{
				authmesh.MetricValidateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
