// Package logging owns the process-wide structured logger, the same role
// go-utils/status plays for naicreport, but emitting single-line JSON to
// stdout/stderr (per spec.md §7) instead of dialing the Unix syslog daemon.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger that writes single-line JSON with ts/level/msg
// keys to stdout, at the given level ("debug", "info", "warn", "error").
func New(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "msg"
	cfg.LevelKey = "level"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.AddSync(os.Stdout),
		lvl,
	)
	return zap.New(core)
}

// ForCluster returns a child logger with "cluster" bound as a structured
// field, so every line logged through it carries the field automatically
// instead of every call site repeating it.
func ForCluster(base *zap.Logger, cluster string) *zap.Logger {
	return base.With(zap.String("cluster", cluster))
}

// Fields carries the per-tick structured fields named in spec.md §7
// ({ts, level, cluster, phase, month?, start?, end?, calls?, jobs_seen?,
// jobs_new?, exit_code?, error?}; ts/level/msg are supplied by zap itself).
// Zero-value optional fields are omitted from the call site's Zap() output.
type Fields struct {
	Phase    string
	Month    string
	Start    time.Time
	End      time.Time
	Calls    int
	JobsSeen int
	JobsNew  int
	ExitCode int
	Err      error
}

// Zap renders f as the zap.Field slice a structured log call spreads in.
func (f Fields) Zap() []zap.Field {
	fields := make([]zap.Field, 0, 10)
	if f.Phase != "" {
		fields = append(fields, zap.String("phase", f.Phase))
	}
	if f.Month != "" {
		fields = append(fields, zap.String("month", f.Month))
	}
	if !f.Start.IsZero() {
		fields = append(fields, zap.Time("start", f.Start))
	}
	if !f.End.IsZero() {
		fields = append(fields, zap.Time("end", f.End))
	}
	if f.Calls != 0 {
		fields = append(fields, zap.Int("calls", f.Calls))
	}
	if f.JobsSeen != 0 {
		fields = append(fields, zap.Int("jobs_seen", f.JobsSeen))
	}
	if f.JobsNew != 0 {
		fields = append(fields, zap.Int("jobs_new", f.JobsNew))
	}
	if f.ExitCode != 0 {
		fields = append(fields, zap.Int("exit_code", f.ExitCode))
	}
	if f.Err != nil {
		fields = append(fields, zap.Error(f.Err))
	}
	return fields
}
