package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/metrics/export/internaldefs"
)

// ContentType is the text exposition format version written by the exporter.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() authmesh.MetricsSnapshot
	EventsDropped() uint64
}

// PrometheusExporter exposes engine counters and latency histograms to a
// Prometheus scraper. Each scrape takes a fresh snapshot.
type PrometheusExporter struct {
	source metricsSource
}

func NewPrometheusExporter(engine *authmesh.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource exports any value with the engine's snapshot
// methods. Tests use it with a fixed snapshot.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler streams the exposition straight into the response.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		_, _ = p.WriteTo(w)
	})
}

// Render is WriteTo into a string. It is empty while metrics are disabled and no
// event has been dropped.
func (p *PrometheusExporter) Render() string {
	var b strings.Builder
	b.Grow(8192)
	_, _ = p.WriteTo(&b)
	return b.String()
}

// WriteTo writes one scrape to w.
func (p *PrometheusExporter) WriteTo(w io.Writer) (int64, error) {
	if p == nil || p.source == nil {
		return 0, nil
	}
	snap := p.source.MetricsSnapshot()
	dropped := p.source.EventsDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	cw := &countingWriter{w: bufio.NewWriterSize(w, 4096)}
	for _, def := range internaldefs.CounterDefs {
		family(cw, def.Name, def.Help, "counter")
		fmt.Fprintf(cw, "%s %d\n", def.Name, snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		family(cw, def.Name, def.Help, "histogram")
		for i, le := range internaldefs.HistogramBounds {
			fmt.Fprintf(cw, "%s_bucket{le=%q} %d\n", def.Name, le, buckets[i])
		}
		// The engine keeps bucket counts only, so _sum is always zero.
		fmt.Fprintf(cw, "%s_count %d\n%s_sum 0\n", def.Name, buckets[len(buckets)-1], def.Name)
	}
	family(cw, internaldefs.EventsDroppedName, internaldefs.EventsDroppedHelp, "counter")
	fmt.Fprintf(cw, "%s %d\n", internaldefs.EventsDroppedName, dropped)

	if cw.err == nil {
		cw.err = cw.w.Flush()
	}
	return cw.n, cw.err
}

func family(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, helpEscaper.Replace(help), name, kind)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

// countingWriter keeps the first write error and the byte count for WriteTo.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
	return n, err
}
