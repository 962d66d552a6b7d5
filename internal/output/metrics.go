/*
PURPOSE:
  Exports per-model aggregates in the Prometheus text format.

REQUIREMENTS:
  Implementation-discovered:
  - Results should be scrapeable by node_exporter's textfile collector.
  - Unavailable means produce no sample rather than a zero.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go (writeExports)
  - Consumes: internal/model.Aggregate

ERROR HANDLING:
  - Returns the error from prometheus.WriteToTextfile.

USAGE:
  err := output.WriteMetrics("/var/lib/node_exporter/ollama_bench.prom", session, aggs)

RELATED FILES:
  - internal/output/json.go
*/

package output

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daryltucker/ollama-bench/internal/model"
)

// gauge maps one aggregate mean to a Prometheus gauge.
type gauge struct {
	name   string
	help   string
	metric string
}

var exportedGauges = []gauge{
	{"ollama_bench_gen_tokens_per_second", "Mean generation throughput (tokens/s).", "gen_tok_s"},
	{"ollama_bench_prompt_tokens_per_second", "Mean prompt-evaluation throughput (tokens/s).", "prompt_tok_s"},
	{"ollama_bench_wall_time_seconds", "Mean wall time of a measured call.", "wall_time_s"},
	{"ollama_bench_rss_peak_megabytes", "Mean peak daemon RSS during a call.", "rss_mb_peak"},
	{"ollama_bench_rss_delta_megabytes", "Mean daemon RSS growth during a call.", "rss_mb_delta"},
	{"ollama_bench_vmhwm_megabytes", "Mean daemon lifetime peak RSS (VmHWM).", "vmhwm_mb"},
	{"ollama_bench_ram_peak_megabytes", "Mean peak system RAM used (tegrastats).", "ram_mb_peak"},
	{"ollama_bench_gr3d_peak", "Mean peak GR3D frequency (tegrastats).", "gr3d_peak"},
}

// NewRegistry builds a registry holding one sample per model for every
// available mean, plus run counts and the ok flag.
func NewRegistry(session string, aggs []model.Aggregate) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"session": session}

	okGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ollama_bench_ok", Help: "1 if at least one measured run succeeded.", ConstLabels: constLabels,
	}, []string{"model"})
	runsGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ollama_bench_runs", Help: "Measured runs attempted.", ConstLabels: constLabels,
	}, []string{"model"})
	okRunsGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ollama_bench_ok_runs", Help: "Measured runs that succeeded.", ConstLabels: constLabels,
	}, []string{"model"})
	reg.MustRegister(okGauge, runsGauge, okRunsGauge)

	vecs := make([]*prometheus.GaugeVec, len(exportedGauges))
	for i, g := range exportedGauges {
		vecs[i] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: g.name, Help: g.help, ConstLabels: constLabels,
		}, []string{"model"})
		reg.MustRegister(vecs[i])
	}

	for _, a := range aggs {
		ok := 0.0
		if a.OK {
			ok = 1
		}
		okGauge.WithLabelValues(a.Model).Set(ok)
		runsGauge.WithLabelValues(a.Model).Set(float64(a.Runs))
		okRunsGauge.WithLabelValues(a.Model).Set(float64(a.OKRuns))

		for i, g := range exportedGauges {
			if mean := a.Mean(g.metric); mean != nil {
				vecs[i].WithLabelValues(a.Model).Set(*mean)
			}
		}
	}
	return reg
}

// WriteMetrics writes the aggregates in the Prometheus text format, for the
// node_exporter textfile collector.
func WriteMetrics(path, session string, aggs []model.Aggregate) error {
	return prometheus.WriteToTextfile(path, NewRegistry(session, aggs))
}
