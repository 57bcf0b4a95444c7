package metrics

import "time"

// Window accumulates training statistics across multiple steps.
type Window struct {
	pairs    int
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(numPairs int, computeTime time.Duration, loss float64) {
	w.pairs += numPairs
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.lastLoss}
	if w.compute > 0 {
		snap.PairsPerSec = float64(w.pairs) / w.compute.Seconds()
	}
	if w.steps > 0 {
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	PairsPerSec  float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
}
