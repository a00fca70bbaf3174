// Package accounting invokes the site's batch-accounting command-line tool and
// exposes its output as a stream of raw rows. It owns the only subprocess
// boundary in this repository, and is the sole place rate limiting and retry
// policy against the shared accounting service live.
package accounting

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Fields is the fixed field set requested from the accounting tool, in the
// order spec.md §6 names them.
var Fields = []string{
	"JobID", "User", "State", "ElapsedRaw", "AllocCPUS", "NNodes",
	"ReqMem", "MaxRSS", "AveRSS", "AllocTRES", "Submit", "Start", "End",
}

// Row is one pipe-delimited record from the accounting tool, fields in Fields
// order.
type Row struct {
	JobID      string
	User       string
	State      string
	ElapsedRaw string
	AllocCPUS  string
	NNodes     string
	ReqMem     string
	MaxRSS     string
	AveRSS     string
	AllocTRES  string
	Submit     string
	Start      string
	End        string
}

const dateLayout = "2006-01-02"

// FetchFailedError is returned when every retry attempt against the
// accounting tool has been exhausted; the orchestrator treats this as a
// transient-fetch tick failure and aborts without touching any state.
type FetchFailedError struct {
	Cluster  string
	Attempts int
	Err      error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("accounting: fetch failed for cluster %s after %d attempts: %v", e.Cluster, e.Attempts, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// Adapter runs the accounting CLI subject to a token-bucket rate limit, with
// exponential backoff on subprocess failure.
type Adapter struct {
	BinPath string
	Timeout time.Duration

	limiter     *rate.Limiter
	MaxAttempts uint64
	logger      *zap.Logger
}

// NewAdapter builds an Adapter that allows at most ratePerMinute calls per
// minute to binPath, refilled continuously, and kills any single invocation
// that runs longer than timeout.
func NewAdapter(binPath string, ratePerMinute int, timeout time.Duration, logger *zap.Logger) *Adapter {
	if ratePerMinute <= 0 {
		ratePerMinute = 2
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	// rate.Limiter operates in events/second; a burst of 1 means each call
	// blocks for a fresh token rather than spending a saved-up burst.
	limiter := rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1)
	return &Adapter{
		BinPath:     binPath,
		Timeout:     timeout,
		limiter:     limiter,
		MaxAttempts: 5,
		logger:      logger,
	}
}

// Fetch invokes the accounting tool for [start, end) (end exclusive), UTC
// dates, optionally scoped to a single user, and returns a lazily-read row
// iterator. Start is inclusive, End is exclusive.
func (a *Adapter) Fetch(ctx context.Context, cluster string, start, end time.Time, user string) (*RowIterator, error) {
	args := []string{
		"-a", "-n", "-P",
		"-S", start.UTC().Format(dateLayout),
		"-E", end.UTC().Format(dateLayout),
		"-o", strings.Join(Fields, ","),
	}
	if user != "" {
		args = append(args, "-u", user)
	}

	phase := "backfill"
	if user != "" {
		phase = "targeted"
	}

	out, exitCode, duration, err := a.runWithRetry(ctx, args)

	if a.logger != nil {
		a.logger.Info("accounting call",
			zap.String("cluster", cluster),
			zap.String("phase", phase),
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Int("exit_code", exitCode),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	}

	if err != nil {
		return nil, &FetchFailedError{Cluster: cluster, Attempts: int(a.MaxAttempts), Err: err}
	}

	return &RowIterator{scanner: bufio.NewScanner(out), file: out}, nil
}

// runWithRetry waits for a rate-limit token, then runs the accounting binary,
// retrying with exponential backoff (base 2s, cap 60s) up to MaxAttempts
// times on non-zero exit or timeout. On success it returns the subprocess's
// stdout as an open, rewound *os.File rather than an in-memory buffer, so a
// window with millions of rows never needs its full output held in memory at
// once; the caller is responsible for draining and thereby closing/removing
// it (RowIterator.Next and DistinctUsers both do this on exhaustion).
func (a *Adapter) runWithRetry(ctx context.Context, args []string) (stdout *os.File, exitCode int, duration time.Duration, err error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	retrier := backoff.WithMaxRetries(bo, a.MaxAttempts-1)

	operation := func() error {
		if werr := a.limiter.Wait(ctx); werr != nil {
			return werr
		}
		start := time.Now()
		out, code, runErr := a.run(ctx, args)
		duration = time.Since(start)
		stdout = out
		exitCode = code
		err = runErr
		return runErr
	}

	boErr := backoff.Retry(operation, retrier)
	return stdout, exitCode, duration, boErr
}

// run invokes the accounting binary once, spooling its stdout to a temp file
// instead of an in-memory buffer so a large window's output never needs to
// be fully resident in memory; stderr is small (a handful of diagnostic
// lines at most) and stays an in-memory buffer. On any failure the temp
// file is removed before returning; on success the returned file is rewound
// to its start and owned by the caller.
func (a *Adapter) run(ctx context.Context, args []string) (*os.File, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	tmp, err := os.CreateTemp("", "clusterboard-fetch-*.txt")
	if err != nil {
		return nil, -1, fmt.Errorf("accounting: buffering output: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	cmd := exec.CommandContext(runCtx, a.BinPath, args...)
	var stderr strings.Builder
	cmd.Stdout = tmp
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cleanup()
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, exitCode, fmt.Errorf("running %s: %w: %s", a.BinPath, err, stderr.String())
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, fmt.Errorf("accounting: rewinding output: %w", err)
	}
	return tmp, 0, nil
}

// DistinctUsers runs the accounting tool projected to just the User field
// over [start, end) and returns the distinct usernames seen, in first-seen
// order. This is the accounting-side half of discovery's candidate-username
// sweep (spec.md §4.G), sharing this package's adapter contract rather than
// wrapping a second subprocess.
func (a *Adapter) DistinctUsers(ctx context.Context, cluster string, start, end time.Time) ([]string, error) {
	args := []string{
		"-a", "-n", "-P",
		"-S", start.UTC().Format(dateLayout),
		"-E", end.UTC().Format(dateLayout),
		"-o", "User",
	}
	out, exitCode, duration, err := a.runWithRetry(ctx, args)
	if a.logger != nil {
		a.logger.Info("accounting call",
			zap.String("cluster", cluster),
			zap.String("phase", "discovery"),
			zap.Time("start", start),
			zap.Time("end", end),
			zap.Int("exit_code", exitCode),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	}
	if err != nil {
		return nil, &FetchFailedError{Cluster: cluster, Attempts: int(a.MaxAttempts), Err: err}
	}
	defer func() {
		out.Close()
		os.Remove(out.Name())
	}()

	seen := make(map[string]bool)
	var users []string
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		u := strings.TrimSpace(sc.Text())
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		users = append(users, u)
	}
	return users, nil
}

// RowIterator reads Row values one at a time from a temp file holding one
// Fetch call's accounting output, keeping memory bounded to a single scanner
// buffer regardless of how many jobs the window contains. The backing file
// is removed as soon as the stream is exhausted; callers are expected to
// always drain Next to false, as orchestrator.runLocked and
// discovery.RunTargeted both do.
type RowIterator struct {
	scanner *bufio.Scanner
	file    *os.File
}

// Next returns the next row, or ok=false once the stream is exhausted, at
// which point the backing temp file is closed and removed. Malformed lines
// (wrong field count) are skipped.
func (it *RowIterator) Next() (Row, bool) {
	for it.scanner.Scan() {
		line := it.scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != len(Fields) {
			continue
		}
		return Row{
			JobID:      fields[0],
			User:       fields[1],
			State:      fields[2],
			ElapsedRaw: fields[3],
			AllocCPUS:  fields[4],
			NNodes:     fields[5],
			ReqMem:     fields[6],
			MaxRSS:     fields[7],
			AveRSS:     fields[8],
			AllocTRES:  fields[9],
			Submit:     fields[10],
			Start:      fields[11],
			End:        fields[12],
		}, true
	}
	it.close()
	return Row{}, false
}

func (it *RowIterator) close() {
	if it.file == nil {
		return
	}
	it.file.Close()
	os.Remove(it.file.Name())
	it.file = nil
}
