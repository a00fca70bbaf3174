// Package metrics writes one Prometheus textfile-collector snippet per
// cluster after every orchestrator tick, so a node_exporter textfile
// collector on the same host can scrape poll health without this one-shot
// CLI running an HTTP server of its own (SPEC_FULL.md §4.I).
package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Result names the outcome of a tick, exposed as the label value of the
// clusterboard_tick_result gauge.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultLockHeld = "lock_held"
)

// Tick summarizes one orchestrator invocation for metrics purposes.
type Tick struct {
	Duration      time.Duration
	JobsNew       int
	LockContended bool
	Result        string
}

// Dir returns the metrics directory under a data root, <root>/leaderboards/.metrics.
func Dir(root string) string {
	return filepath.Join(root, "leaderboards", ".metrics")
}

// WriteTextfile renders t as a Prometheus text-exposition snippet and writes
// it atomically to <root>/leaderboards/.metrics/<cluster>.prom.
func WriteTextfile(root, cluster string, t Tick) error {
	reg := prometheus.NewRegistry()

	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clusterboard_tick_duration_seconds",
		Help: "Wall-clock duration of the most recent poll tick.",
	})
	duration.Set(t.Duration.Seconds())

	jobsNew := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clusterboard_jobs_new_total",
		Help: "Jobs newly deduped and applied during the most recent poll tick.",
	})
	jobsNew.Set(float64(t.JobsNew))

	lockContended := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clusterboard_lock_contended_total",
		Help: "1 if the most recent poll tick exited because the cluster lock was held, else 0.",
	})
	if t.LockContended {
		lockContended.Set(1)
	}

	result := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterboard_tick_result",
		Help: "1 for the result label matching the most recent poll tick's outcome, else 0.",
	}, []string{"result"})
	for _, r := range []string{ResultSuccess, ResultFailure, ResultLockHeld} {
		v := 0.0
		if r == t.Result {
			v = 1
		}
		result.WithLabelValues(r).Set(v)
	}

	reg.MustRegister(duration, jobsNew, lockContended, result)

	mfs, err := reg.Gather()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return err
		}
	}

	dir := Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, cluster+".prom")
	return writeAtomic(path, buf.Bytes())
}

// writeAtomic follows the same write-temp-then-rename pattern as
// jsonfile.WriteAtomic, generalized to raw bytes since the Prometheus text
// exposition format is not JSON.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	ok = true
	return os.Rename(tmpName, path)
}
