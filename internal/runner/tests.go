package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"necrocode/internal/subprocess"
)

// TestReport is the parsed outcome of the task's test command.
type TestReport struct {
	Command    string   `json:"command"`
	ExitCode   int      `json:"exit_code"`
	Total      int      `json:"total"`
	Passed     int      `json:"passed"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	FailedList []string `json:"failed_test_details,omitempty"`
	Duration   string   `json:"duration"`
	TimedOut   bool     `json:"timed_out"`
	Output     string   `json:"-"`
}

// JSON renders the report for the TEST_RESULT artifact.
func (t *TestReport) JSON() []byte {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	return data
}

var goTestResultLine = regexp.MustCompile(`^--- (PASS|FAIL|SKIP): (\S+)`)

// runTests executes the test command inside the workspace with a bounded
// timeout. The command first passes the shell safety screen.
func (r *Runner) runTests(ctx context.Context, timeout time.Duration) (*TestReport, error) {
	command := r.taskCtx.TestCommand
	if command == "" {
		command = "go test ./..."
	}
	if err := r.guard.CheckShellCommand(command); err != nil {
		return nil, err
	}

	r.logf("running tests: %s", command)
	res, err := subprocess.Run(ctx, subprocess.Config{
		Command:    "sh",
		Args:       []string{"-c", command},
		WorkingDir: r.taskCtx.WorkspacePath,
		Timeout:    timeout,
	})
	report := parseTestOutput(command, res)
	if err != nil && !report.TimedOut {
		return report, fmt.Errorf("test command: %w", err)
	}
	return report, nil
}

// parseTestOutput extracts per-test results from go-test style output.
// When the output carries no recognizable lines the exit code alone
// decides success.
func parseTestOutput(command string, res *subprocess.Result) *TestReport {
	report := &TestReport{Command: command}
	if res == nil {
		return report
	}
	report.ExitCode = res.ExitCode
	report.TimedOut = res.TimedOut
	report.Duration = res.Duration.Round(time.Millisecond).String()
	report.Output = res.Stdout
	if res.Stderr != "" {
		report.Output += "\n" + res.Stderr
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		m := goTestResultLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		report.Total++
		switch m[1] {
		case "PASS":
			report.Passed++
		case "FAIL":
			report.Failed++
			report.FailedList = append(report.FailedList, m[2])
		case "SKIP":
			report.Skipped++
		}
	}
	// non-zero exit with no parsed failures still counts as a failure
	if report.ExitCode != 0 && report.Failed == 0 {
		report.Failed = 1
		report.Total++
	}
	return report
}

// Success reports whether the test run passed.
func (t *TestReport) Success() bool {
	return !t.TimedOut && t.ExitCode == 0 && t.Failed == 0
}
