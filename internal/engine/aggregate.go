/*
PURPOSE:
  Reduces one model's measured runs to per-metric statistics.

REQUIREMENTS:
  User-specified:
  - Mean and standard deviation of every metric across repeats.

  Implementation-discovered:
  - Only successful runs contribute; a missing value is skipped, never counted as zero.
  - Population stdev (divide by N); a single value gives 0.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go (Coordinator.Bench)
  - Produces: internal/model.Aggregate

ERROR HANDLING:
  - None; the aggregate carries the last run's error as data.

USAGE:
  agg := engine.Aggregate("llama3.2:latest", runs)

RELATED FILES:
  - internal/model/types.go
*/

package engine

import (
	"math"

	"github.com/daryltucker/ollama-bench/internal/model"
)

// Aggregate reduces the runs of one model to per-metric mean and population
// standard deviation over the successful runs.
//
// Error is the last run's error whether or not earlier runs succeeded, so an
// aggregate can be OK and still carry the error that ended the sequence.
func Aggregate(modelName string, runs []model.RunResult) model.Aggregate {
	agg := model.Aggregate{
		Model: modelName,
		Runs:  len(runs),
		Error: model.NoRuns,
		Stats: make(map[string]model.Stat, len(model.MetricNames)),
	}
	if len(runs) > 0 {
		agg.Error = runs[len(runs)-1].Error
	}

	values := make(map[string][]float64, len(model.MetricNames))
	for _, rr := range runs {
		if !rr.OK {
			continue
		}
		agg.OKRuns++
		for _, m := range rr.Metrics() {
			if m.Value != nil {
				values[m.Name] = append(values[m.Name], *m.Value)
			}
		}
	}
	agg.OK = agg.OKRuns > 0

	for _, name := range model.MetricNames {
		agg.Stats[name] = describe(values[name])
	}
	return agg
}

// Aborted is the aggregate of a model whose benchmark never started.
func Aborted(modelName string, err error) model.Aggregate {
	return model.Aggregate{Model: modelName, Error: err.Error()}
}

func describe(vals []float64) model.Stat {
	if len(vals) == 0 {
		return model.Stat{}
	}
	mean := meanOf(vals)
	stdev := 0.0
	if len(vals) > 1 {
		var sq float64
		for _, v := range vals {
			d := v - mean
			sq += d * d
		}
		stdev = math.Sqrt(sq / float64(len(vals)))
	}
	return model.Stat{Mean: &mean, Stdev: &stdev}
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
