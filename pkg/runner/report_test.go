package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/names"
)

func TestReport_ExitCode(t *testing.T) {
	cases := []struct {
		name  string
		exits []int
		want  int
	}{
		{name: "empty", exits: nil, want: 0},
		{name: "all clean", exits: []int{0, 0}, want: 0},
		{name: "changes pending", exits: []int{0, 2}, want: 2},
		{name: "failure beats changes", exits: []int{2, 1, 0}, want: 1},
		{name: "unknown code folds to failure", exits: []int{7}, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newReport("plan", "run-1")
			for i, exit := range tc.exits {
				status := StatusSucceeded
				if exit != 0 {
					status = StatusFailed
				}
				r.add(&TaskResult{Unit: string(rune('a' + i)), Status: status, ExitCode: exit})
			}
			assert.Equal(t, tc.want, r.ExitCode())
		})
	}
}

func TestNormalizeExit(t *testing.T) {
	assert.Equal(t, 0, normalizeExit(0))
	assert.Equal(t, 1, normalizeExit(1))
	assert.Equal(t, 2, normalizeExit(2))
	assert.Equal(t, 1, normalizeExit(7))
	assert.Equal(t, 1, normalizeExit(-1))
}

func TestReport_Err(t *testing.T) {
	r := newReport("apply", "run-1")
	r.add(&TaskResult{Unit: "ok", Status: StatusSucceeded})
	assert.NoError(t, r.Err())

	r.add(&TaskResult{
		Unit:     "a",
		Status:   StatusFailed,
		ExitCode: 1,
		Err:      tgerrors.TaskExecutionError("a", "apply", 1, errors.New("boom")),
	})
	r.add(&TaskResult{Unit: "b", Status: StatusFailed, ExitCode: 1})

	err := r.Err()
	require.Error(t, err)
	assert.True(t, tgerrors.Is(err, tgerrors.ErrCodeAggregation))
	assert.Contains(t, err.Error(), "2 unit(s) failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestReport_TasksSortedAndSummary(t *testing.T) {
	r := newReport("plan", "run-1")
	r.add(&TaskResult{Unit: "c", Status: StatusSkipped, Reason: blockedReason})
	r.add(&TaskResult{Unit: "a", Status: StatusSucceeded})
	r.add(&TaskResult{Unit: "b", Status: StatusFailed, ExitCode: 1})

	var units []string
	for _, rec := range r.Tasks() {
		units = append(units, rec.Unit)
	}
	assert.Equal(t, []string{"a", "b", "c"}, units)
	assert.Equal(t, Summary{Succeeded: 1, Failed: 1, Skipped: 1}, r.Summary())
}

func TestReport_WriteJSON(t *testing.T) {
	r := newReport("apply", "run-42")
	r.add(&TaskResult{Unit: "ok", Status: StatusSucceeded, Attempts: 1, Duration: 1500 * time.Millisecond})
	r.add(&TaskResult{
		Unit:     "bad",
		Status:   StatusFailed,
		ExitCode: 1,
		Attempts: 2,
		Err:      errors.New("boom"),
	})
	r.finish()

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded struct {
		RunID    string `json:"run_id"`
		RunName  string `json:"run_name"`
		Command  string `json:"command"`
		ExitCode int    `json:"exit_code"`
		Tasks    []struct {
			Unit     string  `json:"unit"`
			Status   string  `json:"status"`
			ExitCode int     `json:"exit_code"`
			Attempts int     `json:"attempts"`
			Duration float64 `json:"duration_seconds"`
			Error    string  `json:"error"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "run-42", decoded.RunID)
	assert.Equal(t, names.Generate("run-42"), decoded.RunName, "run name should be the stable alias of the run ID")
	assert.Equal(t, "apply", decoded.Command)
	assert.Equal(t, 1, decoded.ExitCode)
	require.Len(t, decoded.Tasks, 2)

	bad := decoded.Tasks[0]
	assert.Equal(t, "bad", bad.Unit)
	assert.Equal(t, "failed", bad.Status)
	assert.Equal(t, 2, bad.Attempts)
	assert.Equal(t, "boom", bad.Error)

	ok := decoded.Tasks[1]
	assert.Equal(t, "ok", ok.Unit)
	assert.Equal(t, "succeeded", ok.Status)
	assert.InDelta(t, 1.5, ok.Duration, 0.001)
	assert.Empty(t, ok.Error)
}

func TestReport_WriteTable(t *testing.T) {
	restore := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = restore }()

	r := newReport("apply", "run-1")
	r.add(&TaskResult{Unit: "prod/db", Status: StatusSucceeded, Attempts: 1, Duration: 2 * time.Second})
	r.add(&TaskResult{
		Unit:     "prod/app",
		Status:   StatusFailed,
		ExitCode: 1,
		Attempts: 1,
		Err:      errors.New("boom"),
	})
	r.finish()

	var buf bytes.Buffer
	r.WriteTable(&buf)
	out := buf.String()

	assert.Contains(t, out, "UNIT")
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "prod/db")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "prod/app")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "1 succeeded, 1 failed, 0 skipped (exit 1)")
}
