package testexec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"omb-test-runner/internal/config"
	"omb-test-runner/internal/environ"
)

// fakePytest writes a shell script that stands in for the python
// binary: it emits the given JSON report to the --json-report-file
// path and exits with the given code.
func fakePytest(t *testing.T, report string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	script := `#!/bin/sh
out=""
for a in "$@"; do
  case "$a" in
    --json-report-file=*) out="${a#--json-report-file=}" ;;
  esac
done
if [ -n "$out" ] && [ -n "$REPORT_BODY" ]; then
  printf '%s' "$REPORT_BODY" > "$out"
fi
exit ` + exitArg(exitCode) + `
`
	path := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REPORT_BODY", report)
	return path
}

func exitArg(code int) string {
	if code == 0 {
		return "0"
	}
	return "1"
}

func testEnv() *environ.Environment {
	return &environ.Environment{SessionID: "abc", BaseURL: "http://localhost:32768"}
}

func execConfig(pythonBin string) config.TestingConfig {
	return config.TestingConfig{
		PythonBin:      pythonBin,
		ExecTimeout:    30 * time.Second,
		BrowserInstall: false,
	}
}

// removeArtifacts releases the retained workspace a run hands back.
func removeArtifacts(t *testing.T, run *TestRun) {
	t.Helper()
	if run != nil && run.ArtifactDir != "" {
		t.Cleanup(func() { os.RemoveAll(run.ArtifactDir) })
	}
}

func TestExecuteParsesResults(t *testing.T) {
	python := fakePytest(t, sampleJSONReport, 1)
	exec := NewExecutor(execConfig(python))

	run := exec.Execute(context.Background(), testEnv(), "def test_noop(page):\n    pass\n")
	removeArtifacts(t, run)

	if run == nil {
		t.Fatal("run must never be nil")
	}
	if run.Total != 3 || run.Passed != 1 || run.Failed != 1 {
		t.Fatalf("counts: %+v", run)
	}
	if run.Success {
		t.Error("failed case must fail the run")
	}
}

func TestExecuteAllPassing(t *testing.T) {
	report := `{"duration": 5.0, "tests": [
		{"nodeid": "test_module.py::test_login", "outcome": "passed", "call": {"duration": 5.0}}
	]}`
	python := fakePytest(t, report, 0)
	exec := NewExecutor(execConfig(python))

	run := exec.Execute(context.Background(), testEnv(), "def test_login(page):\n    pass\n")
	removeArtifacts(t, run)

	if !run.Success || run.Passed != 1 {
		t.Fatalf("expected green run: %+v", run)
	}
}

func TestExecuteRetainsArtifacts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	report := `{"duration": 1.0, "tests": [
		{"nodeid": "test_module.py::test_login", "outcome": "passed", "call": {"duration": 1.0}}
	]}`
	// Stands in for pytest: emits the report and leaves a screenshot
	// in the workdir the way the conftest teardown does.
	script := `#!/bin/sh
out=""
for a in "$@"; do
  case "$a" in
    --json-report-file=*) out="${a#--json-report-file=}" ;;
  esac
done
printf '%s' "$REPORT_BODY" > "$out"
printf 'png' > test_login.png
exit 0
`
	path := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REPORT_BODY", report)
	exec := NewExecutor(execConfig(path))

	run := exec.Execute(context.Background(), testEnv(), "def test_login(page):\n    pass\n")
	removeArtifacts(t, run)

	if run.ArtifactDir == "" {
		t.Fatal("finished run must report its artifact dir")
	}
	if got := run.TestCases[0].Screenshot; got != "test_login.png" {
		t.Fatalf("screenshot: %q", got)
	}
	if _, err := os.Stat(filepath.Join(run.ArtifactDir, run.TestCases[0].Screenshot)); err != nil {
		t.Fatalf("screenshot gone after Execute returned: %v", err)
	}
}

func TestExecuteNoReportProduced(t *testing.T) {
	python := fakePytest(t, "", 1)
	exec := NewExecutor(execConfig(python))

	run := exec.Execute(context.Background(), testEnv(), "import nonexistent\n")
	removeArtifacts(t, run)

	if run.Success {
		t.Fatal("run without a report must fail")
	}
	if run.Total != 0 {
		t.Fatalf("expected zero tests, got %d", run.Total)
	}
	if !strings.Contains(run.ErrorSummary, "no test report") {
		t.Fatalf("summary: %q", run.ErrorSummary)
	}
}

func TestExecuteTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	script := "#!/bin/sh\nsleep 10\n"
	path := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := execConfig(path)
	cfg.ExecTimeout = 200 * time.Millisecond
	exec := NewExecutor(cfg)

	run := exec.Execute(context.Background(), testEnv(), "def test_slow(page):\n    pass\n")
	removeArtifacts(t, run)

	if run.Success {
		t.Fatal("timed out run must fail")
	}
	if !strings.Contains(run.ErrorSummary, "timed out") {
		t.Fatalf("summary: %q", run.ErrorSummary)
	}
	if run.Total != 0 {
		t.Fatalf("timed out run reports zero cases, got %d", run.Total)
	}
}
