package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/names"
)

// Status is the state of a unit task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// TaskResult records the outcome of one unit.
type TaskResult struct {
	// Unit is the unit path relative to the discovery root.
	Unit string

	Status   Status
	ExitCode int

	// Attempts counts tool invocations, including retries. Zero for
	// units that never ran.
	Attempts int

	Duration time.Duration

	// Reason explains skips and ignored errors.
	Reason string

	// Err is set for failed tasks.
	Err error
}

// Report aggregates task results for one run.
type Report struct {
	Command string
	RunID   string

	// RunName is a stable human-readable alias of the run ID, for log
	// lines and report files.
	RunName string

	Started time.Time

	mu       sync.Mutex
	duration time.Duration
	records  []*TaskResult
}

func newReport(command, runID string) *Report {
	return &Report{
		Command: command,
		RunID:   runID,
		RunName: names.Generate(runID),
		Started: time.Now(),
	}
}

func (r *Report) add(res *TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, res)
}

func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duration = time.Since(r.Started)
}

// Tasks returns the recorded results sorted by unit path.
func (r *Report) Tasks() []*TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]*TaskResult{}, r.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// Summary counts outcomes by status.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
}

func (r *Report) Summary() Summary {
	var s Summary
	for _, rec := range r.Tasks() {
		switch rec.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// ExitCode folds per-task exit codes with the documented precedence:
// errors (1) outrank pending changes (2), which outrank success (0).
// Codes outside the contract count as errors.
func (r *Report) ExitCode() int {
	code := 0
	for _, rec := range r.Tasks() {
		switch normalizeExit(rec.ExitCode) {
		case 1:
			return 1
		case 2:
			code = 2
		}
	}
	return code
}

// normalizeExit clamps tool exit codes to the 0/1/2 contract.
func normalizeExit(code int) int {
	switch code {
	case 0, 1, 2:
		return code
	default:
		return 1
	}
}

// Err combines every failed task into one aggregate error, nil when the
// run had no failures.
func (r *Report) Err() error {
	var merr *multierror.Error
	failed := 0
	for _, rec := range r.Tasks() {
		if rec.Status != StatusFailed {
			continue
		}
		failed++
		if rec.Err != nil {
			merr = multierror.Append(merr, rec.Err)
		} else {
			merr = multierror.Append(merr, fmt.Errorf("unit %s failed with exit code %d", rec.Unit, rec.ExitCode))
		}
	}
	if failed == 0 {
		return nil
	}
	return tgerrors.AggregationError(failed, merr.ErrorOrNil())
}

type taskJSON struct {
	Unit     string  `json:"unit"`
	Status   Status  `json:"status"`
	ExitCode int     `json:"exit_code"`
	Attempts int     `json:"attempts"`
	Duration float64 `json:"duration_seconds"`
	Reason   string  `json:"reason,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type reportJSON struct {
	RunID    string     `json:"run_id"`
	RunName  string     `json:"run_name"`
	Command  string     `json:"command"`
	Started  time.Time  `json:"started_at"`
	Duration float64    `json:"duration_seconds"`
	ExitCode int        `json:"exit_code"`
	Tasks    []taskJSON `json:"tasks"`
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	r.mu.Lock()
	duration := r.duration
	r.mu.Unlock()

	out := reportJSON{
		RunID:    r.RunID,
		RunName:  r.RunName,
		Command:  r.Command,
		Started:  r.Started,
		Duration: duration.Seconds(),
		ExitCode: r.ExitCode(),
	}
	for _, rec := range r.Tasks() {
		t := taskJSON{
			Unit:     rec.Unit,
			Status:   rec.Status,
			ExitCode: rec.ExitCode,
			Attempts: rec.Attempts,
			Duration: rec.Duration.Seconds(),
			Reason:   rec.Reason,
		}
		if rec.Err != nil {
			t.Error = rec.Err.Error()
		}
		out.Tasks = append(out.Tasks, t)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var (
	statusGreen  = color.New(color.FgGreen).SprintFunc()
	statusRed    = color.New(color.FgRed).SprintFunc()
	statusYellow = color.New(color.FgYellow).SprintFunc()
)

// WriteTable renders the colorized summary table.
func (r *Report) WriteTable(w io.Writer) error {
	tasks := r.Tasks()
	unitWidth := len("UNIT")
	for _, t := range tasks {
		if len(t.Unit) > unitWidth {
			unitWidth = len(t.Unit)
		}
	}

	if _, err := fmt.Fprintf(w, "%-*s  %-9s  %4s  %8s  %9s  %s\n",
		unitWidth, "UNIT", "STATUS", "EXIT", "ATTEMPTS", "DURATION", "DETAIL"); err != nil {
		return err
	}
	for _, t := range tasks {
		detail := t.Reason
		if t.Err != nil {
			detail = t.Err.Error()
		}
		if _, err := fmt.Fprintf(w, "%-*s  %s  %4d  %8d  %9s  %s\n",
			unitWidth, t.Unit,
			colorStatus(t.Status),
			t.ExitCode, t.Attempts,
			t.Duration.Round(time.Millisecond),
			detail); err != nil {
			return err
		}
	}

	s := r.Summary()
	_, err := fmt.Fprintf(w, "\n%d succeeded, %d failed, %d skipped (exit %d)\n",
		s.Succeeded, s.Failed, s.Skipped, r.ExitCode())
	return err
}

// colorStatus pads to the column width before coloring: escape codes
// must not count against the alignment.
func colorStatus(s Status) string {
	padded := fmt.Sprintf("%-9s", string(s))
	switch s {
	case StatusSucceeded:
		return statusGreen(padded)
	case StatusFailed:
		return statusRed(padded)
	case StatusSkipped:
		return statusYellow(padded)
	}
	return padded
}
